package format

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"

	"vmi/internal/image"
)

// synthImage builds a DiskImage over in-memory content. The content is
// chunked so zero runs become zero extents, mirroring what codecs produce.
func synthImage(t *testing.T, content []byte) *image.DiskImage {
	t.Helper()

	src := bytes.NewReader(content)
	extents, err := scanZeroRuns(context.Background(), src, 0, int64(len(content)), DefaultZeroBlock)
	if err != nil {
		t.Fatal(err)
	}
	img, err := image.New(int64(len(content)), image.DefaultSectorSize, extents)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

// randomDiskContent produces sector-aligned content mixing random data
// blocks and zero runs, seeded for reproducibility.
func randomDiskContent(t *testing.T, seed int64, blocks int) []byte {
	t.Helper()

	rng := rand.New(rand.NewSource(seed))
	content := make([]byte, blocks*DefaultZeroBlock)
	for b := 0; b < blocks; b++ {
		if rng.Intn(2) == 0 {
			continue // leave the block zero
		}
		rng.Read(content[b*DefaultZeroBlock : (b+1)*DefaultZeroBlock])
	}
	return content
}

func readAll(t *testing.T, img *image.DiskImage) []byte {
	t.Helper()
	data, err := io.ReadAll(img.Reader())
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// assertSameContent fails unless both images have equal virtual size and
// identical logical content.
func assertSameContent(t *testing.T, want, got *image.DiskImage) {
	t.Helper()

	if want.VirtualSize != got.VirtualSize {
		t.Fatalf("virtual size = %d, want %d", got.VirtualSize, want.VirtualSize)
	}
	ranges, err := image.Diff(want, got)
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 0 {
		t.Fatalf("content differs in %d ranges, first %+v", len(ranges), ranges[0])
	}
}
