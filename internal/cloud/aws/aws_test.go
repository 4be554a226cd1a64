package aws

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ebs"
	ebstypes "github.com/aws/aws-sdk-go-v2/service/ebs/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"vmi/internal/cloud"
	"vmi/internal/image"
)

func testConfig() cloud.TargetConfig {
	cfg := cloud.DefaultTargetConfig()
	cfg.AWS.Region = "us-east-1"
	cfg.AWS.Bucket = "staging"
	cfg.PartSize = 64 * 1024
	cfg.PollInterval = time.Millisecond
	cfg.PollDeadline = time.Second
	return cfg
}

func quietLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeS3 struct {
	mu       sync.Mutex
	parts    map[int32][]byte
	complete bool
	aborted  bool
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.parts = map[int32][]byte{}
	return &s3.CreateMultipartUploadOutput{UploadId: awssdk.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.parts[*in.PartNumber] = data
	f.mu.Unlock()
	return &s3.UploadPartOutput{ETag: awssdk.String(fmt.Sprintf("etag-%d", *in.PartNumber))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.complete = true
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.aborted = true
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) uploaded() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for i := int32(1); ; i++ {
		data, ok := f.parts[i]
		if !ok {
			return out
		}
		out = append(out, data...)
	}
}

type fakeEC2 struct {
	pollsLeft  int
	taskStatus string
	snapshotID string
	amiID      string

	registered *ec2.RegisterImageInput
	images     []ec2types.Image
}

func (f *fakeEC2) ImportSnapshot(ctx context.Context, in *ec2.ImportSnapshotInput, _ ...func(*ec2.Options)) (*ec2.ImportSnapshotOutput, error) {
	return &ec2.ImportSnapshotOutput{ImportTaskId: awssdk.String("import-snap-1")}, nil
}

func (f *fakeEC2) DescribeImportSnapshotTasks(ctx context.Context, in *ec2.DescribeImportSnapshotTasksInput, _ ...func(*ec2.Options)) (*ec2.DescribeImportSnapshotTasksOutput, error) {
	detail := &ec2types.SnapshotTaskDetail{
		Status:     awssdk.String("active"),
		Progress:   awssdk.String("42"),
		SnapshotId: awssdk.String(f.snapshotID),
	}
	if f.pollsLeft <= 0 {
		detail.Status = awssdk.String(f.taskStatus)
		detail.StatusMessage = awssdk.String("disk validation failed")
	}
	f.pollsLeft--
	return &ec2.DescribeImportSnapshotTasksOutput{
		ImportSnapshotTasks: []ec2types.ImportSnapshotTask{{SnapshotTaskDetail: detail}},
	}, nil
}

func (f *fakeEC2) RegisterImage(ctx context.Context, in *ec2.RegisterImageInput, _ ...func(*ec2.Options)) (*ec2.RegisterImageOutput, error) {
	f.registered = in
	return &ec2.RegisterImageOutput{ImageId: awssdk.String(f.amiID)}, nil
}

func (f *fakeEC2) DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: f.images}, nil
}

type fakeEBS struct {
	blockSize int32
	volumeGiB int64
	blocks    map[int32][]byte
	badSum    bool
	fetches   map[int32]int
}

func (f *fakeEBS) ListSnapshotBlocks(ctx context.Context, in *ebs.ListSnapshotBlocksInput, _ ...func(*ebs.Options)) (*ebs.ListSnapshotBlocksOutput, error) {
	out := &ebs.ListSnapshotBlocksOutput{
		BlockSize:  awssdk.Int32(f.blockSize),
		VolumeSize: awssdk.Int64(f.volumeGiB),
	}
	for idx := range f.blocks {
		out.Blocks = append(out.Blocks, ebstypes.Block{
			BlockIndex: awssdk.Int32(idx),
			BlockToken: awssdk.String(fmt.Sprintf("token-%d", idx)),
		})
	}
	return out, nil
}

func (f *fakeEBS) GetSnapshotBlock(ctx context.Context, in *ebs.GetSnapshotBlockInput, _ ...func(*ebs.Options)) (*ebs.GetSnapshotBlockOutput, error) {
	if f.fetches == nil {
		f.fetches = map[int32]int{}
	}
	f.fetches[*in.BlockIndex]++
	data := f.blocks[*in.BlockIndex]
	sum := sha256.Sum256(data)
	checksum := base64.StdEncoding.EncodeToString(sum[:])
	if f.badSum {
		checksum = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0}, 32))
	}
	return &ebs.GetSnapshotBlockOutput{
		BlockData:         io.NopCloser(bytes.NewReader(data)),
		Checksum:          awssdk.String(checksum),
		ChecksumAlgorithm: ebstypes.ChecksumAlgorithmChecksumAlgorithmSha256,
		DataLength:        awssdk.Int32(int32(len(data))),
	}, nil
}

func testImage(t *testing.T, size int64) (*image.DiskImage, []byte) {
	t.Helper()
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i%250 + 1)
	}
	img, err := image.New(size, 512, []image.Extent{{
		Offset: 0,
		Length: size,
		Kind:   image.KindData,
		Source: bytes.NewReader(content),
	}})
	if err != nil {
		t.Fatal(err)
	}
	return img, content
}

func TestAdapter_Import(t *testing.T) {
	s3c := &fakeS3{}
	ec2c := &fakeEC2{pollsLeft: 2, taskStatus: "completed", snapshotID: "snap-1234", amiID: "ami-0123456789abcdef0"}
	a := NewWithClients(s3c, ec2c, &fakeEBS{}, testConfig(), quietLog())

	img, content := testImage(t, 200*1024)
	h, err := a.Import(context.Background(), img, "nightly")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	if h.ID != "ami-0123456789abcdef0" || h.Status != cloud.StatusAvailable {
		t.Errorf("handle = %+v", h)
	}
	if h.Region != "us-east-1" {
		t.Errorf("Region = %q", h.Region)
	}
	if h.Source != "s3://staging/vmi/nightly.raw" {
		t.Errorf("Source = %q", h.Source)
	}

	if !s3c.complete {
		t.Error("multipart upload was never completed")
	}
	if !bytes.Equal(s3c.uploaded(), content) {
		t.Error("uploaded content does not match the image")
	}

	if ec2c.registered == nil {
		t.Fatal("RegisterImage was not called")
	}
	ebsDev := ec2c.registered.BlockDeviceMappings[0].Ebs
	if awssdk.ToString(ebsDev.SnapshotId) != "snap-1234" {
		t.Errorf("registered snapshot = %q", awssdk.ToString(ebsDev.SnapshotId))
	}
}

func TestAdapter_ImportRejected(t *testing.T) {
	s3c := &fakeS3{}
	ec2c := &fakeEC2{pollsLeft: 0, taskStatus: "error"}
	a := NewWithClients(s3c, ec2c, &fakeEBS{}, testConfig(), quietLog())

	img, _ := testImage(t, 64*1024)
	_, err := a.Import(context.Background(), img, "doomed")
	if image.KindOf(err) != image.ImportRejected {
		t.Errorf("Import() error = %v, want ImportRejected", err)
	}
}

func exportFixture(blockSize int32) (*fakeEC2, *fakeEBS) {
	ec2c := &fakeEC2{
		images: []ec2types.Image{{
			ImageId: awssdk.String("ami-0123456789abcdef0"),
			BlockDeviceMappings: []ec2types.BlockDeviceMapping{{
				Ebs: &ec2types.EbsBlockDevice{SnapshotId: awssdk.String("snap-1234")},
			}},
		}},
	}
	ebsc := &fakeEBS{
		blockSize: blockSize,
		volumeGiB: 1,
		blocks: map[int32][]byte{
			0: bytes.Repeat([]byte{0xaa}, int(blockSize)),
			2: bytes.Repeat([]byte{0xbb}, int(blockSize)),
		},
	}
	return ec2c, ebsc
}

func TestAdapter_Export(t *testing.T) {
	ec2c, ebsc := exportFixture(512 * 1024)
	a := NewWithClients(&fakeS3{}, ec2c, ebsc, testConfig(), quietLog())

	h := &cloud.Handle{Provider: cloud.AWS, ID: "ami-0123456789abcdef0", Region: "us-east-1"}
	img, err := a.Export(context.Background(), h)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	defer img.Close()

	if img.VirtualSize != 1<<30 {
		t.Errorf("VirtualSize = %d, want 1 GiB", img.VirtualSize)
	}

	// Blocks 0 and 2 are data; block 1 and the tail read as zeroes.
	buf := make([]byte, 4)
	for _, tt := range []struct {
		off  int64
		want byte
	}{
		{0, 0xaa},
		{512 * 1024, 0x00},
		{2 * 512 * 1024, 0xbb},
		{3 * 512 * 1024, 0x00},
	} {
		if err := readAtImage(img, buf, tt.off); err != nil {
			t.Fatalf("reading at %d: %v", tt.off, err)
		}
		if buf[0] != tt.want {
			t.Errorf("byte at %d = %#x, want %#x", tt.off, buf[0], tt.want)
		}
	}
}

func TestAdapter_ExportBlocksNotRetained(t *testing.T) {
	ec2c, ebsc := exportFixture(64 * 1024)
	a := NewWithClients(&fakeS3{}, ec2c, ebsc, testConfig(), quietLog())

	h := &cloud.Handle{Provider: cloud.AWS, ID: "ami-0123456789abcdef0"}
	img, err := a.Export(context.Background(), h)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	defer img.Close()

	// Walking block 0 in small chunks goes to the provider once.
	buf := make([]byte, 16*1024)
	for off := int64(0); off < 64*1024; off += int64(len(buf)) {
		if err := readAtImage(img, buf, off); err != nil {
			t.Fatalf("reading at %d: %v", off, err)
		}
	}
	if got := ebsc.fetches[0]; got != 1 {
		t.Fatalf("block 0 fetched %d times during sequential reads, want 1", got)
	}

	// Revisiting it after another block displaced it must re-fetch:
	// block data is not kept resident while the image stays open.
	if err := readAtImage(img, buf, 2*64*1024); err != nil {
		t.Fatalf("reading block 2: %v", err)
	}
	if err := readAtImage(img, buf, 0); err != nil {
		t.Fatalf("revisiting block 0: %v", err)
	}
	if got := ebsc.fetches[0]; got != 2 {
		t.Fatalf("revisited block fetched %d times, want 2", got)
	}
}

func TestAdapter_ExportChecksumMismatch(t *testing.T) {
	ec2c, ebsc := exportFixture(512 * 1024)
	ebsc.badSum = true
	a := NewWithClients(&fakeS3{}, ec2c, ebsc, testConfig(), quietLog())

	h := &cloud.Handle{Provider: cloud.AWS, ID: "ami-0123456789abcdef0"}
	img, err := a.Export(context.Background(), h)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	defer img.Close()

	buf := make([]byte, 16)
	err = readAtImage(img, buf, 0)
	if image.KindOf(err) != image.IntegrityViolation {
		t.Errorf("read error = %v, want IntegrityViolation", err)
	}
}

func TestAdapter_ExportUnknownImage(t *testing.T) {
	a := NewWithClients(&fakeS3{}, &fakeEC2{}, &fakeEBS{}, testConfig(), quietLog())

	h := &cloud.Handle{Provider: cloud.AWS, ID: "ami-00000000"}
	_, err := a.Export(context.Background(), h)
	if image.KindOf(err) != image.ImageNotFound {
		t.Errorf("Export() error = %v, want ImageNotFound", err)
	}
}

func readAtImage(img *image.DiskImage, buf []byte, off int64) error {
	_, err := img.ReadAt(buf, off)
	return err
}
