package format

import (
	"bytes"
	"context"
	"io"
	"os"

	"vmi/internal/image"
)

// DefaultZeroBlock is the granularity at which raw content is scanned for
// zero runs. Runs of whole zero blocks become Zero extents so a sparse
// destination can skip allocating them.
const DefaultZeroBlock = 64 * 1024

// Raw is the identity codec: the container is the disk content itself.
type Raw struct {
	zeroBlock int64
}

// NewRaw returns the raw codec with the default zero-scan block size.
func NewRaw() *Raw {
	return &Raw{zeroBlock: DefaultZeroBlock}
}

func (r *Raw) Tag() Tag { return TagRaw }

// Probe always claims the content at fallback confidence: any byte stream
// is a valid raw image.
func (r *Raw) Probe(io.ReaderAt, int64) int { return probeFallback }

func (r *Raw) Artifacts(path string) []string { return []string{path} }

func (r *Raw) Open(ctx context.Context, path string) (*image.DiskImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "opening raw image %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, image.Wrap(image.IOFailure, err, "stat %s", path)
	}
	size := fi.Size()

	extents, err := r.scan(ctx, f, size)
	if err != nil {
		f.Close()
		return nil, err
	}

	img, err := image.New(size, image.DefaultSectorSize, extents)
	if err != nil {
		f.Close()
		return nil, err
	}
	img.Desc = image.Descriptor{Tag: string(TagRaw)}
	img.AddCloser(f.Close)
	return img, nil
}

// scan walks the file in zeroBlock steps classifying each block as data or
// zero, then collapses neighbours. Only whole zero blocks are coalesced;
// a partial trailing block is always data unless fully zero.
func (r *Raw) scan(ctx context.Context, f *os.File, size int64) ([]image.Extent, error) {
	buf := make([]byte, r.zeroBlock)
	var extents []image.Extent

	for off := int64(0); off < size; off += r.zeroBlock {
		if err := ctx.Err(); err != nil {
			return nil, image.Wrap(image.IOFailure, err, "scan cancelled")
		}

		n := r.zeroBlock
		if rem := size - off; rem < n {
			n = rem
		}
		if _, err := f.ReadAt(buf[:n], off); err != nil {
			return nil, image.Wrap(image.IOFailure, err, "reading %s at %d", f.Name(), off)
		}

		kind := image.KindData
		if isZero(buf[:n]) {
			kind = image.KindZero
		}
		ext := image.Extent{Offset: off, Length: n, Kind: kind}
		if kind == image.KindData {
			ext.Source = io.NewSectionReader(f, off, n)
		}
		extents = append(extents, ext)
	}

	if len(extents) == 0 {
		return nil, nil
	}
	return image.MergeAdjacent(extents), nil
}

var zeroBlockProbe = make([]byte, DefaultZeroBlock)

func isZero(p []byte) bool {
	for len(p) > 0 {
		n := len(p)
		if n > len(zeroBlockProbe) {
			n = len(zeroBlockProbe)
		}
		if !bytes.Equal(p[:n], zeroBlockProbe[:n]) {
			return false
		}
		p = p[n:]
	}
	return true
}

// Create writes the logical content to path, seeking over zero and sparse
// extents so the filesystem can allocate holes. Returns the count of data
// bytes written.
func (r *Raw) Create(ctx context.Context, img *image.DiskImage, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, image.Wrap(image.IOFailure, err, "creating raw image %s", path)
	}
	defer f.Close()

	var written int64
	for _, ext := range img.Extents {
		if err := ctx.Err(); err != nil {
			return written, image.Wrap(image.IOFailure, err, "write cancelled")
		}
		if ext.Zero() {
			continue
		}
		if _, err := f.Seek(ext.Offset, io.SeekStart); err != nil {
			return written, image.Wrap(image.IOFailure, err, "seeking to %d", ext.Offset)
		}
		n, err := io.Copy(f, ext.Reader())
		written += n
		if err != nil {
			return written, image.Wrap(image.IOFailure, err, "writing extent at %d", ext.Offset)
		}
	}

	// The tail may be a hole; fix the file length to the virtual size.
	if err := f.Truncate(img.VirtualSize); err != nil {
		return written, image.Wrap(image.IOFailure, err, "truncating to %d", img.VirtualSize)
	}
	if err := f.Sync(); err != nil {
		return written, image.Wrap(image.IOFailure, err, "syncing %s", path)
	}
	return written, nil
}
