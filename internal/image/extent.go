// Package image holds the canonical in-memory representation of a disk:
// an ordered set of extents covering the virtual size, with data extents
// backed by lazy byte sources. Format codecs translate to and from this
// representation; nothing here knows about any container format.
package image

import (
	"bytes"
	"io"
)

// ExtentKind classifies the content of a byte range.
type ExtentKind uint8

const (
	// KindData is a range backed by real bytes from a source.
	KindData ExtentKind = iota

	// KindZero is a range that reads as zeroes and was explicitly zero in
	// the source container.
	KindZero

	// KindSparse is a range that reads as zeroes because the source never
	// allocated it.
	KindSparse
)

func (k ExtentKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindZero:
		return "zero"
	case KindSparse:
		return "sparse"
	default:
		return "invalid"
	}
}

// Extent is a contiguous byte range of a disk image. Data extents carry a
// Source whose offsets are relative to the extent start; the bytes are
// pulled on demand and never held in memory as a whole.
type Extent struct {
	Offset int64
	Length int64
	Kind   ExtentKind
	Source io.ReaderAt
}

// Zero reports whether the extent reads as zeroes.
func (e Extent) Zero() bool { return e.Kind != KindData }

// DiskImage is a logical disk: its virtual size, sector size, and the
// ordered extents covering [0, VirtualSize). Immutable once built.
type DiskImage struct {
	VirtualSize int64
	SectorSize  int64
	Extents     []Extent
	Desc        Descriptor

	closers []func() error
}

// DefaultSectorSize is assumed when a container does not state one.
const DefaultSectorSize = 512

// New validates the extent set and builds a DiskImage. Extents must be
// sorted by offset, cover the virtual size exactly, and neither overlap
// nor leave gaps; violations fail with MalformedLayout.
func New(virtualSize, sectorSize int64, extents []Extent) (*DiskImage, error) {
	if virtualSize < 0 {
		return nil, Errf(MalformedLayout, "negative virtual size %d", virtualSize)
	}
	if sectorSize <= 0 {
		sectorSize = DefaultSectorSize
	}

	var next int64
	for i, ext := range extents {
		if ext.Length <= 0 {
			return nil, Errf(MalformedLayout, "extent %d has non-positive length %d", i, ext.Length)
		}
		if ext.Offset != next {
			if ext.Offset < next {
				return nil, Errf(MalformedLayout, "extent %d at %d overlaps previous end %d", i, ext.Offset, next)
			}
			return nil, Errf(MalformedLayout, "gap before extent %d: expected offset %d, got %d", i, next, ext.Offset)
		}
		if ext.Kind == KindData && ext.Source == nil {
			return nil, Errf(MalformedLayout, "data extent %d has no source", i)
		}
		next = ext.Offset + ext.Length
		if next > virtualSize {
			return nil, Errf(MalformedLayout, "extent %d ends at %d beyond virtual size %d", i, next, virtualSize)
		}
	}
	if next != virtualSize {
		return nil, Errf(MalformedLayout, "extents cover %d of %d bytes", next, virtualSize)
	}

	return &DiskImage{
		VirtualSize: virtualSize,
		SectorSize:  sectorSize,
		Extents:     extents,
	}, nil
}

// AddCloser registers cleanup to run when the image is closed, e.g. the
// backing file of a codec or a temporary directory an OVA was unpacked to.
func (d *DiskImage) AddCloser(f func() error) {
	d.closers = append(d.closers, f)
}

// HandOffClosers moves this image's cleanup functions to dst, for when a
// derived image takes over the backing resources of its original.
func (d *DiskImage) HandOffClosers(dst *DiskImage) {
	dst.closers = append(dst.closers, d.closers...)
	d.closers = nil
}

// Close releases backing resources. The image must not be read afterwards.
func (d *DiskImage) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	d.closers = nil
	return first
}

// SparseRatio is the fraction of the virtual size that reads as zeroes.
func (d *DiskImage) SparseRatio() float64 {
	if d.VirtualSize == 0 {
		return 0
	}
	var zero int64
	for _, ext := range d.Extents {
		if ext.Zero() {
			zero += ext.Length
		}
	}
	return float64(zero) / float64(d.VirtualSize)
}

// Reader streams the logical disk content, zero ranges included.
func (d *DiskImage) Reader() io.Reader {
	readers := make([]io.Reader, 0, len(d.Extents))
	for _, ext := range d.Extents {
		readers = append(readers, ext.Reader())
	}
	return io.MultiReader(readers...)
}

// ReadAt reads logical disk content at an arbitrary offset, resolving the
// extents covering the range. Implements io.ReaderAt.
func (d *DiskImage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > d.VirtualSize {
		return 0, Errf(MalformedLayout, "read at %d outside [0, %d)", off, d.VirtualSize)
	}

	read := 0
	for read < len(p) && off < d.VirtualSize {
		ext, ok := d.extentAt(off)
		if !ok {
			return read, Errf(MalformedLayout, "no extent covers offset %d", off)
		}

		rel := off - ext.Offset
		n := len(p) - read
		if rem := ext.Length - rel; int64(n) > rem {
			n = int(rem)
		}

		if ext.Zero() {
			for i := read; i < read+n; i++ {
				p[i] = 0
			}
		} else {
			m, err := ext.Source.ReadAt(p[read:read+n], rel)
			if err != nil && (err != io.EOF || m < n) {
				return read + m, err
			}
		}
		read += n
		off += int64(n)
	}

	if read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

func (d *DiskImage) extentAt(off int64) (Extent, bool) {
	lo, hi := 0, len(d.Extents)
	for lo < hi {
		mid := (lo + hi) / 2
		ext := d.Extents[mid]
		switch {
		case off < ext.Offset:
			hi = mid
		case off >= ext.Offset+ext.Length:
			lo = mid + 1
		default:
			return ext, true
		}
	}
	return Extent{}, false
}

// Reader streams the content of a single extent.
func (e Extent) Reader() io.Reader {
	if e.Zero() {
		return &zeroReader{n: e.Length}
	}
	return io.NewSectionReader(e.Source, 0, e.Length)
}

type zeroReader struct {
	n int64
}

func (z *zeroReader) Read(p []byte) (int, error) {
	if z.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > z.n {
		p = p[:z.n]
	}
	for i := range p {
		p[i] = 0
	}
	z.n -= int64(len(p))
	return len(p), nil
}

// MergeAdjacent collapses contiguous same-kind extents. Data extents merge
// only when both are section views into the same underlying reader and the
// sections are contiguous there.
func MergeAdjacent(extents []Extent) []Extent {
	if len(extents) == 0 {
		return nil
	}
	out := make([]Extent, 0, len(extents))
	cur := extents[0]
	for _, ext := range extents[1:] {
		if merged, ok := merge(cur, ext); ok {
			cur = merged
			continue
		}
		out = append(out, cur)
		cur = ext
	}
	return append(out, cur)
}

func merge(a, b Extent) (Extent, bool) {
	if a.Kind != b.Kind || a.Offset+a.Length != b.Offset {
		return Extent{}, false
	}
	if a.Kind != KindData {
		a.Length += b.Length
		return a, true
	}
	sa, okA := a.Source.(*io.SectionReader)
	sb, okB := b.Source.(*io.SectionReader)
	if !okA || !okB {
		return Extent{}, false
	}
	outerA, offA, nA := sa.Outer()
	outerB, offB, _ := sb.Outer()
	if outerA != outerB || offA+nA != offB || nA != a.Length {
		return Extent{}, false
	}
	a.Length += b.Length
	a.Source = io.NewSectionReader(outerA, offA, a.Length)
	return a, true
}

// Range is a plain byte range, used by Diff.
type Range struct {
	Offset int64
	Length int64
}

const diffBlockSize = 64 * 1024

// Diff returns the byte ranges where two images of equal virtual size
// differ, merged into maximal runs at diff block granularity. It reads both
// images fully; it exists for verification, not for conversion.
func Diff(a, b *DiskImage) ([]Range, error) {
	if a.VirtualSize != b.VirtualSize {
		return nil, Errf(MalformedLayout, "size mismatch: %d vs %d", a.VirtualSize, b.VirtualSize)
	}

	ra, rb := a.Reader(), b.Reader()
	bufA := make([]byte, diffBlockSize)
	bufB := make([]byte, diffBlockSize)

	var ranges []Range
	var off int64
	for off < a.VirtualSize {
		n := diffBlockSize
		if rem := a.VirtualSize - off; rem < int64(n) {
			n = int(rem)
		}
		if _, err := io.ReadFull(ra, bufA[:n]); err != nil {
			return nil, Wrap(IOFailure, err, "reading first image at %d", off)
		}
		if _, err := io.ReadFull(rb, bufB[:n]); err != nil {
			return nil, Wrap(IOFailure, err, "reading second image at %d", off)
		}
		if !bytes.Equal(bufA[:n], bufB[:n]) {
			if k := len(ranges) - 1; k >= 0 && ranges[k].Offset+ranges[k].Length == off {
				ranges[k].Length += int64(n)
			} else {
				ranges = append(ranges, Range{Offset: off, Length: int64(n)})
			}
		}
		off += int64(n)
	}
	return ranges, nil
}
