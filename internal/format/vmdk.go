package format

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"vmi/internal/image"
)

// VMDK handles hosted sparse extents (monolithicSparse, streamOptimized)
// and text descriptors referencing FLAT or SPARSE extent files.
type VMDK struct{}

// NewVMDK returns the VMDK codec.
func NewVMDK() *VMDK { return &VMDK{} }

func (v *VMDK) Tag() Tag { return TagVMDK }

// maximum plausible size for a standalone descriptor text file.
const maxDescriptorFile = 64 * 1024

func (v *VMDK) Probe(r io.ReaderAt, size int64) int {
	head := make([]byte, 512)
	n, err := r.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return probeNone
	}
	head = head[:n]

	if len(head) >= 4 && string(head[:4]) == "KDMV" {
		return probeMagic
	}
	if size <= maxDescriptorFile && looksLikeDescriptor(head) {
		return probeStrong
	}
	return probeNone
}

func looksLikeDescriptor(head []byte) bool {
	return bytes.Contains(head, []byte("# Disk DescriptorFile")) ||
		bytes.Contains(head, []byte("createType="))
}

func (v *VMDK) Open(ctx context.Context, path string) (*image.DiskImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "opening %s", path)
	}

	img, err := v.open(ctx, f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	img.AddCloser(f.Close)
	return img, nil
}

func (v *VMDK) open(ctx context.Context, f *os.File, path string) (*image.DiskImage, error) {
	magic := make([]byte, 4)
	if _, err := f.ReadAt(magic, 0); err != nil && err != io.EOF {
		return nil, image.Wrap(image.IOFailure, err, "reading %s", path)
	}

	if string(magic) == "KDMV" {
		return v.openMonolithic(f)
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "stat %s", path)
	}
	if fi.Size() > maxDescriptorFile {
		return nil, image.Errf(image.UnsupportedVariant, "%s is neither a sparse extent nor a descriptor", path)
	}

	text, err := io.ReadAll(f)
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "reading descriptor %s", path)
	}
	return v.openDescribed(ctx, text, filepath.Dir(path))
}

// openMonolithic handles a single sparse extent file with an embedded
// descriptor (monolithicSparse, streamOptimized).
func (v *VMDK) openMonolithic(f *os.File) (*image.DiskImage, error) {
	h, err := readSparseHeader(f, 0)
	if err != nil {
		return nil, err
	}

	extents, err := sparseExtents(f, h)
	if err != nil {
		return nil, err
	}

	img, err := image.New(int64(h.Capacity)*sectorSize, sectorSize, extents)
	if err != nil {
		return nil, err
	}

	meta := defaultDescriptorMeta(img.VirtualSize, "monolithicSparse")
	if text, err := h.embeddedDescriptor(f); err != nil {
		return nil, err
	} else if len(text) > 0 {
		d, err := parseDescriptor(text)
		if err != nil {
			return nil, err
		}
		meta = d.Meta
	}
	img.Desc = image.Descriptor{Tag: string(TagVMDK), VMDK: &meta}
	return img, nil
}

// openDescribed handles a standalone text descriptor: every extent line is
// mapped in order, FLAT files through the zero-run scanner and SPARSE
// files through their grain tables, shifted to the running disk offset.
func (v *VMDK) openDescribed(ctx context.Context, text []byte, dir string) (*image.DiskImage, error) {
	d, err := parseDescriptor(text)
	if err != nil {
		return nil, err
	}

	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	var all []image.Extent
	var base int64

	for _, line := range d.Extents {
		length := line.Sectors * sectorSize

		if strings.ToUpper(line.Type) == "ZERO" {
			all = append(all, image.Extent{Offset: base, Length: length, Kind: image.KindZero})
			base += length
			continue
		}

		ef, err := os.Open(filepath.Join(dir, line.File))
		if err != nil {
			closeAll()
			return nil, image.Wrap(image.IOFailure, err, "opening extent file %s", line.File)
		}
		closers = append(closers, ef.Close)

		var parts []image.Extent
		switch strings.ToUpper(line.Type) {
		case "FLAT", "VMFS":
			parts, err = scanZeroRuns(ctx, ef, line.Offset*sectorSize, length, DefaultZeroBlock)
		case "SPARSE":
			var h *sparseHeader
			if h, err = readSparseHeader(ef, 0); err == nil {
				if int64(h.Capacity)*sectorSize != length {
					err = image.Errf(image.MalformedLayout,
						"extent %s capacity %d sectors, descriptor says %d", line.File, h.Capacity, line.Sectors)
				} else {
					parts, err = sparseExtents(ef, h)
				}
			}
		default:
			err = image.Errf(image.UnsupportedVariant, "extent type %q not supported", line.Type)
		}
		if err != nil {
			closeAll()
			return nil, err
		}

		for _, p := range parts {
			p.Offset += base
			all = append(all, p)
		}
		base += length
	}

	img, err := image.New(base, sectorSize, image.MergeAdjacent(all))
	if err != nil {
		closeAll()
		return nil, err
	}
	img.Desc = image.Descriptor{Tag: string(TagVMDK), VMDK: &d.Meta}
	for _, c := range closers {
		img.AddCloser(c)
	}
	return img, nil
}

// Create serializes img as a VMDK. The variant follows the source
// descriptor when the image came from a VMDK, otherwise monolithicSparse.
func (v *VMDK) Create(ctx context.Context, img *image.DiskImage, path string) (int64, error) {
	createType := "monolithicSparse"
	var meta image.VMDKDescriptor
	if img.Desc.VMDK != nil {
		meta = *img.Desc.VMDK
		if meta.CreateType != "" {
			createType = meta.CreateType
		}
	} else {
		meta = defaultDescriptorMeta(img.VirtualSize, createType)
	}
	meta.CreateType = createType

	switch createType {
	case "monolithicSparse":
		return v.createSparse(ctx, img, path, meta, false)
	case "streamOptimized":
		return v.createSparse(ctx, img, path, meta, true)
	case "monolithicFlat":
		return v.createFlat(ctx, img, path, meta)
	default:
		return 0, image.Errf(image.UnsupportedVariant, "cannot create VMDK variant %q", createType)
	}
}

func (v *VMDK) createSparse(ctx context.Context, img *image.DiskImage, path string, meta image.VMDKDescriptor, stream bool) (int64, error) {
	if img.VirtualSize%sectorSize != 0 {
		return 0, image.Errf(image.UnsupportedVariant, "virtual size %d is not sector aligned", img.VirtualSize)
	}

	d := descriptorFile{
		Meta: meta,
		Extents: []extentLine{{
			Access:  "RW",
			Sectors: img.VirtualSize / sectorSize,
			Type:    "SPARSE",
			File:    filepath.Base(path),
		}},
	}

	if stream {
		return writeStreamOptimizedExtent(ctx, img, path, d.encode())
	}
	return writeSparseExtent(ctx, img, path, d.encode())
}

// Artifacts covers both layouts: the monolithic file, and the flat
// variant's descriptor plus its -flat sibling.
func (v *VMDK) Artifacts(path string) []string {
	ext := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	flat := filepath.Join(filepath.Dir(path), ext+"-flat"+filepath.Ext(path))
	return []string{path, flat}
}

// createFlat writes a text descriptor at path and the disk content to a
// sibling -flat file.
func (v *VMDK) createFlat(ctx context.Context, img *image.DiskImage, path string, meta image.VMDKDescriptor) (int64, error) {
	if img.VirtualSize%sectorSize != 0 {
		return 0, image.Errf(image.UnsupportedVariant, "virtual size %d is not sector aligned", img.VirtualSize)
	}

	ext := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	flatName := ext + "-flat" + filepath.Ext(path)
	flatPath := filepath.Join(filepath.Dir(path), flatName)

	raw := NewRaw()
	written, err := raw.Create(ctx, img, flatPath)
	if err != nil {
		return written, err
	}

	d := descriptorFile{
		Meta: meta,
		Extents: []extentLine{{
			Access:  "RW",
			Sectors: img.VirtualSize / sectorSize,
			Type:    "FLAT",
			File:    flatName,
			Offset:  0,
		}},
	}
	text := d.encode()
	if err := os.WriteFile(path, text, 0o644); err != nil {
		return written, image.Wrap(image.IOFailure, err, "writing descriptor %s", path)
	}
	return written + int64(len(text)), nil
}

// scanZeroRuns classifies [base, base+length) of r into data and zero
// extents at block granularity, offsets relative to the region start.
func scanZeroRuns(ctx context.Context, r io.ReaderAt, base, length, block int64) ([]image.Extent, error) {
	buf := make([]byte, block)
	var extents []image.Extent

	for off := int64(0); off < length; off += block {
		if err := ctx.Err(); err != nil {
			return nil, image.Wrap(image.IOFailure, err, "scan cancelled")
		}

		n := block
		if rem := length - off; rem < n {
			n = rem
		}
		if _, err := r.ReadAt(buf[:n], base+off); err != nil && err != io.EOF {
			return nil, image.Wrap(image.IOFailure, err, "reading at %d", base+off)
		}

		ext := image.Extent{Offset: off, Length: n, Kind: image.KindZero}
		if !isZero(buf[:n]) {
			ext.Kind = image.KindData
			ext.Source = io.NewSectionReader(r, base+off, n)
		}
		extents = append(extents, ext)
	}
	return image.MergeAdjacent(extents), nil
}
