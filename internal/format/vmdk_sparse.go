package format

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/flate"

	"vmi/internal/image"
)

const (
	sectorSize = 512

	// "KDMV" read little-endian.
	sparseMagic = 0x564d444b

	defaultGrainSectors = 128 // 64 KiB grains
	gtesPerGT           = 512

	gdAtEnd = 0xffffffffffffffff

	flagValidNewline = 1 << 0
	flagCompressed   = 1 << 16
	flagMarkers      = 1 << 17

	compressionNone    = 0
	compressionDeflate = 1

	markerEOS    = 0
	markerGT     = 1
	markerGD     = 2
	markerFooter = 3
)

// sparseHeader is the 512-byte hosted sparse extent header, little-endian,
// field offsets fixed by the format.
type sparseHeader struct {
	Magic              uint32
	Version            uint32
	Flags              uint32
	Capacity           uint64 // sectors
	GrainSize          uint64 // sectors
	DescriptorOffset   uint64 // sectors
	DescriptorSize     uint64 // sectors
	NumGTEsPerGT       uint32
	RGDOffset          uint64
	GDOffset           uint64
	Overhead           uint64
	UncleanShutdown    uint8
	SingleEndLineChar  byte
	NonEndLineChar     byte
	DoubleEndLineChar1 byte
	DoubleEndLineChar2 byte
	CompressAlgorithm  uint16
	Pad                [433]byte
}

func readSparseHeader(r io.ReaderAt, off int64) (*sparseHeader, error) {
	buf := make([]byte, sectorSize)
	if _, err := r.ReadAt(buf, off); err != nil {
		return nil, image.Wrap(image.IOFailure, err, "reading sparse header")
	}
	var h sparseHeader
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h); err != nil {
		return nil, image.Wrap(image.IOFailure, err, "decoding sparse header")
	}
	if h.Magic != sparseMagic {
		return nil, image.Errf(image.UnsupportedVariant, "bad sparse extent magic %#x", h.Magic)
	}
	if h.GrainSize == 0 || h.GrainSize&(h.GrainSize-1) != 0 {
		return nil, image.Errf(image.UnsupportedVariant, "grain size %d sectors is not a power of two", h.GrainSize)
	}
	if h.NumGTEsPerGT == 0 {
		return nil, image.Errf(image.UnsupportedVariant, "zero grain table entries per table")
	}
	if h.CompressAlgorithm != compressionNone && h.CompressAlgorithm != compressionDeflate {
		return nil, image.Errf(image.UnsupportedVariant, "compression algorithm %d not supported", h.CompressAlgorithm)
	}
	return &h, nil
}

func (h *sparseHeader) encode() []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, h)
	return b.Bytes()
}

func newSparseHeader(capacitySectors int64) *sparseHeader {
	return &sparseHeader{
		Magic:              sparseMagic,
		Version:            1,
		Flags:              flagValidNewline,
		Capacity:           uint64(capacitySectors),
		GrainSize:          defaultGrainSectors,
		NumGTEsPerGT:       gtesPerGT,
		SingleEndLineChar:  '\n',
		NonEndLineChar:     ' ',
		DoubleEndLineChar1: '\r',
		DoubleEndLineChar2: '\n',
	}
}

// embeddedDescriptor extracts the descriptor text stored inside a sparse
// extent file, if any.
func (h *sparseHeader) embeddedDescriptor(r io.ReaderAt) ([]byte, error) {
	if h.DescriptorOffset == 0 || h.DescriptorSize == 0 {
		return nil, nil
	}
	buf := make([]byte, int64(h.DescriptorSize)*sectorSize)
	if _, err := r.ReadAt(buf, int64(h.DescriptorOffset)*sectorSize); err != nil {
		return nil, image.Wrap(image.IOFailure, err, "reading embedded descriptor")
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return buf, nil
}

// sparseExtents maps the grains of one sparse extent file into extents
// relative to the start of that extent. Grain table entry 0 is an
// unallocated grain, 1 a zeroed grain; anything else is the grain's sector
// offset in the file.
func sparseExtents(f *os.File, h *sparseHeader) ([]image.Extent, error) {
	if h.Flags&flagCompressed != 0 || h.CompressAlgorithm == compressionDeflate {
		return streamOptimizedExtents(f, h)
	}

	grainBytes := int64(h.GrainSize) * sectorSize
	capacityBytes := int64(h.Capacity) * sectorSize
	grainsPerGT := int64(h.GrainSize) * int64(h.NumGTEsPerGT)
	numGTs := ceilDiv(int64(h.Capacity), grainsPerGT)

	gd := make([]uint32, numGTs)
	if err := readUint32s(f, int64(h.GDOffset)*sectorSize, gd); err != nil {
		return nil, image.Wrap(image.IOFailure, err, "reading grain directory")
	}

	var extents []image.Extent
	gt := make([]uint32, h.NumGTEsPerGT)
	grain := int64(0)

	for _, gtSector := range gd {
		if err := readUint32s(f, int64(gtSector)*sectorSize, gt); err != nil {
			return nil, image.Wrap(image.IOFailure, err, "reading grain table at sector %d", gtSector)
		}
		for _, gte := range gt {
			start := grain * grainBytes
			if start >= capacityBytes {
				break
			}
			length := grainBytes
			if rem := capacityBytes - start; rem < length {
				length = rem
			}

			ext := image.Extent{Offset: start, Length: length}
			switch gte {
			case 0:
				ext.Kind = image.KindSparse
			case 1:
				ext.Kind = image.KindZero
			default:
				ext.Kind = image.KindData
				ext.Source = io.NewSectionReader(f, int64(gte)*sectorSize, length)
			}
			extents = append(extents, ext)
			grain++
		}
	}

	return image.MergeAdjacent(extents), nil
}

// streamOptimizedExtents walks the marker stream of a compressed sparse
// extent, building one lazy extent per compressed grain. The grain tables
// at the end of the stream are redundant with the markers and skipped.
func streamOptimizedExtents(f *os.File, h *sparseHeader) ([]image.Extent, error) {
	grainBytes := int64(h.GrainSize) * sectorSize
	capacityBytes := int64(h.Capacity) * sectorSize

	start := int64(h.DescriptorOffset+h.DescriptorSize) * sectorSize
	if h.Overhead != 0 {
		start = int64(h.Overhead) * sectorSize
	}
	if start < sectorSize {
		start = sectorSize
	}

	var extents []image.Extent
	cache := &grainCache{}
	buf := make([]byte, sectorSize)
	off := start

scan:
	for {
		if _, err := f.ReadAt(buf, off); err != nil {
			if err == io.EOF {
				break
			}
			return nil, image.Wrap(image.IOFailure, err, "reading marker at %d", off)
		}
		val := binary.LittleEndian.Uint64(buf[0:8])
		size := binary.LittleEndian.Uint32(buf[8:12])

		if size > 0 {
			// Grain marker: val is the LBA in sectors, size the deflated
			// byte count, data immediately after the 12-byte header.
			lba := int64(val) * sectorSize
			if lba >= capacityBytes {
				return nil, image.Errf(image.UnsupportedVariant, "grain lba %d beyond capacity", lba)
			}
			length := grainBytes
			if rem := capacityBytes - lba; rem < length {
				length = rem
			}
			extents = append(extents, image.Extent{
				Offset: lba,
				Length: length,
				Kind:   image.KindData,
				Source: &compressedGrain{
					r:       f,
					dataOff: off + 12,
					compLen: int(size),
					length:  length,
					cache:   cache,
				},
			})
			off += roundUp(12+int64(size), sectorSize)
			continue
		}

		switch typ := binary.LittleEndian.Uint32(buf[12:16]); typ {
		case markerEOS:
			break scan
		case markerGT, markerGD, markerFooter:
			off += sectorSize + int64(val)*sectorSize
		default:
			return nil, image.Errf(image.UnsupportedVariant, "unknown marker type %d at %d", typ, off)
		}
	}

	return fillSparse(extents, capacityBytes), nil
}

// fillSparse sorts data extents by offset and fills the gaps between them
// with sparse extents so the set covers the capacity exactly.
func fillSparse(data []image.Extent, capacity int64) []image.Extent {
	sortExtents(data)

	var out []image.Extent
	var next int64
	for _, ext := range data {
		if ext.Offset > next {
			out = append(out, image.Extent{Offset: next, Length: ext.Offset - next, Kind: image.KindSparse})
		}
		out = append(out, ext)
		next = ext.Offset + ext.Length
	}
	if next < capacity {
		out = append(out, image.Extent{Offset: next, Length: capacity - next, Kind: image.KindSparse})
	}
	return image.MergeAdjacent(out)
}

func sortExtents(exts []image.Extent) {
	// Grain markers are nearly always in LBA order already; insertion sort
	// keeps the common case linear.
	for i := 1; i < len(exts); i++ {
		for j := i; j > 0 && exts[j-1].Offset > exts[j].Offset; j-- {
			exts[j-1], exts[j] = exts[j], exts[j-1]
		}
	}
}

// grainCache holds the most recently inflated grain of one extent file.
// Sequential reads hit the same grain several times, but an open image
// never keeps more than one decoded grain resident.
type grainCache struct {
	mu      sync.Mutex
	dataOff int64
	buf     []byte
}

// compressedGrain inflates one deflated grain on demand through the
// extent's shared single-grain cache.
type compressedGrain struct {
	r       io.ReaderAt
	dataOff int64
	compLen int
	length  int64
	cache   *grainCache
}

func (g *compressedGrain) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= g.length {
		return 0, io.EOF
	}

	g.cache.mu.Lock()
	defer g.cache.mu.Unlock()
	if g.cache.buf == nil || g.cache.dataOff != g.dataOff {
		buf, err := g.inflate()
		if err != nil {
			return 0, err
		}
		g.cache.dataOff = g.dataOff
		g.cache.buf = buf
	}

	n := copy(p, g.cache.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (g *compressedGrain) inflate() ([]byte, error) {
	comp := make([]byte, g.compLen)
	if _, err := g.r.ReadAt(comp, g.dataOff); err != nil {
		return nil, image.Wrap(image.IOFailure, err, "reading compressed grain at %d", g.dataOff)
	}

	fr := flate.NewReader(bytes.NewReader(comp))
	defer fr.Close()

	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "inflating grain at %d", g.dataOff)
	}
	if int64(len(out)) < g.length {
		// Short grains pad with zeroes to the logical length.
		out = append(out, make([]byte, g.length-int64(len(out)))...)
	}
	return out[:g.length], nil
}

func readUint32s(r io.ReaderAt, off int64, dst []uint32) error {
	buf := make([]byte, 4*len(dst))
	if _, err := r.ReadAt(buf, off); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return nil
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

func roundUp(n, unit int64) int64 { return ceilDiv(n, unit) * unit }

// grainLayout is the metadata geometry shared by the sparse writers.
type grainLayout struct {
	capacitySectors int64
	grainBytes      int64
	numGrains       int64
	numGTs          int64
	gtSectors       int64 // sectors per grain table
	gdSectors       int64
}

func layoutFor(virtualSize int64) (grainLayout, error) {
	if virtualSize%sectorSize != 0 {
		return grainLayout{}, image.Errf(image.UnsupportedVariant, "virtual size %d is not sector aligned", virtualSize)
	}
	var l grainLayout
	l.capacitySectors = virtualSize / sectorSize
	l.grainBytes = defaultGrainSectors * sectorSize
	l.numGrains = ceilDiv(virtualSize, l.grainBytes)
	l.numGTs = ceilDiv(l.numGrains, gtesPerGT)
	l.gtSectors = gtesPerGT * 4 / sectorSize
	l.gdSectors = ceilDiv(l.numGTs*4, sectorSize)
	return l, nil
}

// writeSparseExtent writes an uncompressed monolithicSparse extent file:
// header, embedded descriptor, grain directory and tables, then the
// allocated grains. Returns the final file size.
func writeSparseExtent(ctx context.Context, img *image.DiskImage, path string, descriptor []byte) (int64, error) {
	l, err := layoutFor(img.VirtualSize)
	if err != nil {
		return 0, err
	}

	const descriptorSectors = 20
	if int64(len(descriptor)) > descriptorSectors*sectorSize {
		return 0, image.Errf(image.UnsupportedVariant, "descriptor text of %d bytes exceeds embedded space", len(descriptor))
	}

	gdOffset := int64(1 + descriptorSectors)
	gtOffset := gdOffset + l.gdSectors
	overhead := roundUp(gtOffset+l.numGTs*l.gtSectors, defaultGrainSectors)

	h := newSparseHeader(l.capacitySectors)
	h.DescriptorOffset = 1
	h.DescriptorSize = descriptorSectors
	h.GDOffset = uint64(gdOffset)
	h.Overhead = uint64(overhead)

	f, err := os.Create(path)
	if err != nil {
		return 0, image.Wrap(image.IOFailure, err, "creating %s", path)
	}
	defer f.Close()

	if _, err := f.WriteAt(h.encode(), 0); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "writing header")
	}
	if _, err := f.WriteAt(descriptor, sectorSize); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "writing embedded descriptor")
	}

	// Grain directory entries point at the contiguous table block.
	gd := make([]uint32, l.numGTs)
	for i := range gd {
		gd[i] = uint32(gtOffset + int64(i)*l.gtSectors)
	}

	gtes := make([]uint32, l.numGTs*gtesPerGT)
	reader := img.Reader()
	grainBuf := make([]byte, l.grainBytes)
	writeSector := overhead

	for g := int64(0); g < l.numGrains; g++ {
		if err := ctx.Err(); err != nil {
			return 0, image.Wrap(image.IOFailure, err, "write cancelled")
		}

		n := l.grainBytes
		if rem := img.VirtualSize - g*l.grainBytes; rem < n {
			n = rem
		}
		if _, err := io.ReadFull(reader, grainBuf[:n]); err != nil {
			return 0, image.Wrap(image.IOFailure, err, "reading source at grain %d", g)
		}
		if isZero(grainBuf[:n]) {
			continue
		}
		// Pad the trailing partial grain with zeroes.
		for i := n; i < l.grainBytes; i++ {
			grainBuf[i] = 0
		}
		if _, err := f.WriteAt(grainBuf, writeSector*sectorSize); err != nil {
			return 0, image.Wrap(image.IOFailure, err, "writing grain %d", g)
		}
		gtes[g] = uint32(writeSector)
		writeSector += defaultGrainSectors
	}

	if err := writeUint32s(f, gdOffset*sectorSize, gd); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "writing grain directory")
	}
	if err := writeUint32s(f, gtOffset*sectorSize, gtes); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "writing grain tables")
	}

	// A fully-zero image never advances past the overhead area.
	if err := f.Truncate(maxI64(writeSector, overhead) * sectorSize); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "sizing %s", path)
	}
	if err := f.Sync(); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "syncing %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		return 0, image.Wrap(image.IOFailure, err, "stat %s", path)
	}
	return fi.Size(), nil
}

// writeStreamOptimizedExtent writes a streamOptimized sparse extent:
// deflated grains behind markers, grain metadata appended at the end, a
// footer carrying the real grain directory offset, then end-of-stream.
func writeStreamOptimizedExtent(ctx context.Context, img *image.DiskImage, path string, descriptor []byte) (int64, error) {
	l, err := layoutFor(img.VirtualSize)
	if err != nil {
		return 0, err
	}

	const descriptorSectors = 20
	if int64(len(descriptor)) > descriptorSectors*sectorSize {
		return 0, image.Errf(image.UnsupportedVariant, "descriptor text of %d bytes exceeds embedded space", len(descriptor))
	}

	h := newSparseHeader(l.capacitySectors)
	h.Version = 3
	h.Flags |= flagCompressed | flagMarkers
	h.CompressAlgorithm = compressionDeflate
	h.DescriptorOffset = 1
	h.DescriptorSize = descriptorSectors
	h.GDOffset = gdAtEnd
	h.Overhead = uint64(1 + descriptorSectors)

	f, err := os.Create(path)
	if err != nil {
		return 0, image.Wrap(image.IOFailure, err, "creating %s", path)
	}
	defer f.Close()

	if _, err := f.WriteAt(h.encode(), 0); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "writing header")
	}
	if _, err := f.WriteAt(descriptor, sectorSize); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "writing embedded descriptor")
	}

	off := int64(1+descriptorSectors) * sectorSize
	gtes := make([]uint32, l.numGTs*gtesPerGT)
	reader := img.Reader()
	grainBuf := make([]byte, l.grainBytes)
	var comp bytes.Buffer

	for g := int64(0); g < l.numGrains; g++ {
		if err := ctx.Err(); err != nil {
			return 0, image.Wrap(image.IOFailure, err, "write cancelled")
		}

		n := l.grainBytes
		if rem := img.VirtualSize - g*l.grainBytes; rem < n {
			n = rem
		}
		if _, err := io.ReadFull(reader, grainBuf[:n]); err != nil {
			return 0, image.Wrap(image.IOFailure, err, "reading source at grain %d", g)
		}
		if isZero(grainBuf[:n]) {
			continue
		}
		for i := n; i < l.grainBytes; i++ {
			grainBuf[i] = 0
		}

		comp.Reset()
		fw, err := flate.NewWriter(&comp, flate.DefaultCompression)
		if err != nil {
			return 0, image.Wrap(image.IOFailure, err, "creating deflate writer")
		}
		if _, err := fw.Write(grainBuf); err != nil {
			return 0, image.Wrap(image.IOFailure, err, "deflating grain %d", g)
		}
		if err := fw.Close(); err != nil {
			return 0, image.Wrap(image.IOFailure, err, "deflating grain %d", g)
		}

		marker := make([]byte, roundUp(12+int64(comp.Len()), sectorSize))
		binary.LittleEndian.PutUint64(marker[0:8], uint64(g*defaultGrainSectors))
		binary.LittleEndian.PutUint32(marker[8:12], uint32(comp.Len()))
		copy(marker[12:], comp.Bytes())

		if _, err := f.WriteAt(marker, off); err != nil {
			return 0, image.Wrap(image.IOFailure, err, "writing grain marker %d", g)
		}
		gtes[g] = uint32(off / sectorSize)
		off += int64(len(marker))
	}

	// Grain tables, each behind its own marker.
	gd := make([]uint32, l.numGTs)
	for i := int64(0); i < l.numGTs; i++ {
		if err := writeMarker(f, &off, l.gtSectors, markerGT); err != nil {
			return 0, err
		}
		gd[i] = uint32(off / sectorSize)
		if err := writeUint32s(f, off, gtes[i*gtesPerGT:(i+1)*gtesPerGT]); err != nil {
			return 0, image.Wrap(image.IOFailure, err, "writing grain table %d", i)
		}
		off += l.gtSectors * sectorSize
	}

	if err := writeMarker(f, &off, l.gdSectors, markerGD); err != nil {
		return 0, err
	}
	gdSector := off / sectorSize
	if err := writeUint32s(f, off, gd); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "writing grain directory")
	}
	off += l.gdSectors * sectorSize

	if err := writeMarker(f, &off, 1, markerFooter); err != nil {
		return 0, err
	}
	footer := *h
	footer.GDOffset = uint64(gdSector)
	if _, err := f.WriteAt(footer.encode(), off); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "writing footer")
	}
	off += sectorSize

	if _, err := f.WriteAt(make([]byte, sectorSize), off); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "writing end-of-stream")
	}
	off += sectorSize

	if err := f.Sync(); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "syncing %s", path)
	}
	return off, nil
}

// writeMarker emits a metadata marker announcing valSectors of data of the
// given type and advances the offset past the marker sector.
func writeMarker(f *os.File, off *int64, valSectors int64, typ uint32) error {
	marker := make([]byte, sectorSize)
	binary.LittleEndian.PutUint64(marker[0:8], uint64(valSectors))
	binary.LittleEndian.PutUint32(marker[12:16], typ)
	if _, err := f.WriteAt(marker, *off); err != nil {
		return image.Wrap(image.IOFailure, err, "writing marker type %d", typ)
	}
	*off += sectorSize
	return nil
}

func writeUint32s(f *os.File, off int64, src []uint32) error {
	buf := make([]byte, 4*len(src))
	for i, v := range src {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	_, err := f.WriteAt(buf, off)
	return err
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
