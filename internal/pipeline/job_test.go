package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"vmi/internal/format"
	"vmi/internal/image"
)

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// writeRawFixture writes dataLen patterned bytes followed by zeroes up to
// totalLen.
func writeRawFixture(t *testing.T, path string, dataLen, totalLen int64) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	buf := make([]byte, 64*1024)
	var written int64
	for written < dataLen {
		n := int64(len(buf))
		if rem := dataLen - written; rem < n {
			n = rem
		}
		for i := int64(0); i < n; i++ {
			buf[i] = byte((written+i)%253 + 1)
		}
		if _, err := f.Write(buf[:n]); err != nil {
			t.Fatal(err)
		}
		written += n
	}
	if err := f.Truncate(totalLen); err != nil {
		t.Fatal(err)
	}
}

func TestJob_RawToSparseVMDK(t *testing.T) {
	const mib = int64(1 << 20)
	dir := t.TempDir()
	src := filepath.Join(dir, "disk.img")
	dst := filepath.Join(dir, "disk.vmdk")
	writeRawFixture(t, src, 60*mib, 100*mib)

	reg := format.NewRegistry()
	job := NewJob(
		FileSource{Path: src, Registry: reg},
		FileDestination{Path: dst, Registry: reg},
		quietLog(),
	)

	res, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.BytesWritten <= 0 {
		t.Error("no bytes reported written")
	}

	fi, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() >= 100*mib {
		t.Errorf("sparse VMDK is %d bytes, want < %d", fi.Size(), 100*mib)
	}

	out, err := format.NewVMDK().Open(context.Background(), dst)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	if ratio := out.SparseRatio(); ratio < 0.4 {
		t.Errorf("SparseRatio() = %v, want >= 0.4", ratio)
	}
}

func TestJob_ThereAndBackAgain(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.img")
	mid := filepath.Join(dir, "b.vmdk")
	back := filepath.Join(dir, "c.img")
	writeRawFixture(t, src, 1<<20, 2<<20)

	reg := format.NewRegistry()
	ctx := context.Background()

	first := NewJob(FileSource{Path: src, Registry: reg}, FileDestination{Path: mid, Registry: reg}, quietLog())
	res1, err := first.Run(ctx)
	if err != nil {
		t.Fatalf("first conversion: %v", err)
	}

	second := NewJob(FileSource{Path: mid, Registry: reg}, FileDestination{Path: back, Registry: reg}, quietLog())
	res2, err := second.Run(ctx)
	if err != nil {
		t.Fatalf("second conversion: %v", err)
	}

	// The logical content survives both directions.
	if res1.Checksum != res2.Checksum {
		t.Errorf("checksums differ: %s vs %s", res1.Checksum, res2.Checksum)
	}

	a, err := format.NewRaw().Open(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	c, err := format.NewRaw().Open(ctx, back)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ranges, err := image.Diff(a, c)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 0 {
		t.Errorf("images differ in %d ranges after round trip", len(ranges))
	}
}

func TestJob_ChecksumMatchesContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "disk.img")
	dst := filepath.Join(dir, "out.img")
	writeRawFixture(t, src, 256*1024, 512*1024)

	reg := format.NewRegistry()
	job := NewJob(FileSource{Path: src, Registry: reg}, FileDestination{Path: dst, Registry: reg}, quietLog())
	res, err := job.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(src)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	if res.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("Checksum = %s, want %s", res.Checksum, hex.EncodeToString(sum[:]))
	}
}

type recordedEvents struct {
	mu       sync.Mutex
	created  bool
	states   []State
	finished bool
	err      error
}

func (r *recordedEvents) Created(context.Context, *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = true
	return nil
}

func (r *recordedEvents) Transitioned(_ context.Context, _ *Job, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	return nil
}

func (r *recordedEvents) Finished(_ context.Context, _ *Job, _ Result, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
	r.err = err
	return nil
}

func TestJob_RecordsLifecycle(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "disk.img")
	writeRawFixture(t, src, 64*1024, 128*1024)

	reg := format.NewRegistry()
	rec := &recordedEvents{}
	job := NewJob(
		FileSource{Path: src, Registry: reg},
		FileDestination{Path: filepath.Join(dir, "out.img"), Registry: reg},
		quietLog(),
		WithRecorder(rec),
	)
	if _, err := job.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !rec.created || !rec.finished {
		t.Errorf("created/finished = %v/%v", rec.created, rec.finished)
	}
	want := []State{StateReading, StateTransforming, StateWriting, StateDone}
	if len(rec.states) != len(want) {
		t.Fatalf("states = %v, want %v", rec.states, want)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Errorf("state[%d] = %s, want %s", i, rec.states[i], want[i])
		}
	}
	if rec.err != nil {
		t.Errorf("recorded error = %v", rec.err)
	}
}

type blockingDest struct {
	discarded bool
}

func (d *blockingDest) Write(ctx context.Context, _ *image.DiskImage) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (d *blockingDest) Discard() error {
	d.discarded = true
	return nil
}

func (d *blockingDest) String() string { return "blocking" }

func TestJob_CancellationDiscardsPartialOutput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "disk.img")
	writeRawFixture(t, src, 64*1024, 64*1024)

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()

	dst := &blockingDest{}
	job := NewJob(FileSource{Path: src, Registry: format.NewRegistry()}, dst, quietLog())
	if _, err := job.Run(ctx); err == nil {
		t.Fatal("Run() succeeded despite cancellation")
	}
	if !dst.discarded {
		t.Error("partial output was not discarded")
	}
}

func TestJob_SourceFailureReachesFailed(t *testing.T) {
	rec := &recordedEvents{}
	job := NewJob(
		FileSource{Path: "/does/not/exist.img", Registry: format.NewRegistry()},
		FileDestination{Path: "/also/nowhere.img", Registry: format.NewRegistry()},
		quietLog(),
		WithRecorder(rec),
	)
	_, err := job.Run(context.Background())
	if err == nil {
		t.Fatal("Run() succeeded for a missing source")
	}
	if len(rec.states) == 0 || rec.states[len(rec.states)-1] != StateFailed {
		t.Errorf("states = %v, want trailing failed", rec.states)
	}
	if rec.err == nil {
		t.Error("failure was not recorded")
	}
}

func TestSplitAligned(t *testing.T) {
	content := make([]byte, 200)
	src := bytes.NewReader(content)

	// An extent from 100 to 300 with 128-byte alignment splits at 128 and 256.
	ext := image.Extent{Offset: 100, Length: 200, Kind: image.KindData, Source: io.NewSectionReader(src, 0, 200)}
	pieces := splitAligned(ext, 128)

	wantOffsets := []int64{100, 128, 256}
	wantLengths := []int64{28, 128, 44}
	if len(pieces) != len(wantOffsets) {
		t.Fatalf("got %d pieces, want %d", len(pieces), len(wantOffsets))
	}
	for i, p := range pieces {
		if p.Offset != wantOffsets[i] || p.Length != wantLengths[i] {
			t.Errorf("piece %d = [%d,+%d), want [%d,+%d)", i, p.Offset, p.Length, wantOffsets[i], wantLengths[i])
		}
	}

	// Contiguous section views re-merge back into one extent.
	merged := image.MergeAdjacent(pieces)
	if len(merged) != 1 || merged[0].Length != 200 {
		t.Errorf("merged = %d extents, first length %d", len(merged), merged[0].Length)
	}

	// Already aligned and within one block: untouched.
	zero := image.Extent{Offset: 0, Length: 64, Kind: image.KindZero}
	if got := splitAligned(zero, 128); len(got) != 1 || got[0] != zero {
		t.Errorf("aligned extent was split: %v", got)
	}
}

func TestFileDestinationDiscardRemovesAllArtifacts(t *testing.T) {
	reg := format.NewRegistry()
	dir := t.TempDir()

	tests := []struct {
		name     string
		path     string
		siblings []string
	}{
		{
			name:     "ovf package",
			path:     "out.ovf",
			siblings: []string{"out.mf", "out-disk1.vmdk"},
		},
		{
			name:     "flat vmdk",
			path:     "flat.vmdk",
			siblings: []string{"flat-flat.vmdk"},
		},
		{
			name: "raw",
			path: "disk.raw",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			leftovers := append([]string{tt.path}, tt.siblings...)
			for _, name := range leftovers {
				if err := os.WriteFile(filepath.Join(dir, name), []byte("partial"), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			dst := FileDestination{Path: filepath.Join(dir, tt.path), Registry: reg}
			if err := dst.Discard(); err != nil {
				t.Fatalf("Discard() error = %v", err)
			}

			for _, name := range leftovers {
				if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
					t.Errorf("%s survived Discard()", name)
				}
			}
		})
	}
}

func TestFileDestinationDiscardIgnoresMissing(t *testing.T) {
	dst := FileDestination{
		Path:     filepath.Join(t.TempDir(), "never-written.ovf"),
		Registry: format.NewRegistry(),
	}
	if err := dst.Discard(); err != nil {
		t.Fatalf("Discard() on absent artifacts error = %v", err)
	}
}
