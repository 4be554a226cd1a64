package format

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"vmi/internal/image"
)

func TestRaw_RoundTrip(t *testing.T) {
	ctx := context.Background()
	content := randomDiskContent(t, 1, 16)
	want := synthImage(t, content)

	path := filepath.Join(t.TempDir(), "disk.img")
	raw := NewRaw()
	if _, err := raw.Create(ctx, want, path); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := raw.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer got.Close()

	assertSameContent(t, want, got)
	if got.Desc.Tag != string(TagRaw) {
		t.Errorf("Desc.Tag = %q, want raw", got.Desc.Tag)
	}
}

func TestRaw_ZeroRunsCoalesce(t *testing.T) {
	ctx := context.Background()

	// 1 MiB with a zero hole in the middle third.
	content := make([]byte, 3*DefaultZeroBlock)
	for i := 0; i < DefaultZeroBlock; i++ {
		content[i] = 0xaa
		content[2*DefaultZeroBlock+i] = 0xbb
	}

	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	img, err := NewRaw().Open(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer img.Close()

	if len(img.Extents) != 3 {
		t.Fatalf("got %d extents, want 3", len(img.Extents))
	}
	if img.Extents[1].Kind != image.KindZero {
		t.Errorf("middle extent kind = %v, want zero", img.Extents[1].Kind)
	}
	if ratio := img.SparseRatio(); ratio < 0.33 || ratio > 0.34 {
		t.Errorf("SparseRatio() = %v, want ~1/3", ratio)
	}
}

func TestRaw_CreateLeavesHoles(t *testing.T) {
	ctx := context.Background()

	// Data up front, 40 of 100 blocks zero at the tail.
	content := make([]byte, 100*DefaultZeroBlock)
	for i := 0; i < 60*DefaultZeroBlock; i++ {
		content[i] = byte(i)
	}
	img := synthImage(t, content)

	path := filepath.Join(t.TempDir(), "disk.img")
	written, err := NewRaw().Create(ctx, img, path)
	if err != nil {
		t.Fatal(err)
	}
	if written != 60*DefaultZeroBlock {
		t.Errorf("data bytes written = %d, want %d", written, 60*DefaultZeroBlock)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != int64(len(content)) {
		t.Errorf("file size = %d, want %d", fi.Size(), len(content))
	}
}

func TestRaw_ProbeIsFallback(t *testing.T) {
	if score := NewRaw().Probe(nil, 0); score != probeFallback {
		t.Errorf("Probe() = %d, want %d", score, probeFallback)
	}
}
