// Package inspect reports the structural metadata of an image without
// converting it: format, sizes, extent layout, and the format-specific
// descriptor fields.
package inspect

import (
	"context"

	"vmi/internal/format"
	"vmi/internal/image"
)

// Metadata is the inspection report for one image.
type Metadata struct {
	Format      string  `json:"format"`
	VirtualSize int64   `json:"virtual_size"`
	SectorSize  int64   `json:"sector_size"`
	ExtentCount int     `json:"extent_count"`
	SparseRatio float64 `json:"sparse_ratio"`

	VMDK *VMDKInfo `json:"vmdk,omitempty"`
	OVF  *OVFInfo  `json:"ovf,omitempty"`
}

// VMDKInfo is the VMDK descriptor summary.
type VMDKInfo struct {
	CreateType  string         `json:"create_type"`
	AdapterType string         `json:"adapter_type"`
	Geometry    image.Geometry `json:"geometry"`
}

// OVFInfo is the OVF envelope summary.
type OVFInfo struct {
	Algorithm string             `json:"manifest_algorithm"`
	SystemID  string             `json:"system_id,omitempty"`
	Disks     []image.OVFDiskRef `json:"disks"`
}

// Inspect opens the image at path, detecting the format unless an
// explicit tag is given, and reports its structure. The image is closed
// before returning; nothing is written anywhere.
func Inspect(ctx context.Context, reg *format.Registry, path string, explicit format.Tag) (*Metadata, error) {
	var codec format.Codec
	var err error
	if explicit != "" {
		codec, err = reg.Resolve(explicit)
	} else {
		codec, err = reg.Detect(path)
	}
	if err != nil {
		return nil, err
	}

	img, err := codec.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	return FromImage(img), nil
}

// FromImage builds the report for an already open image.
func FromImage(img *image.DiskImage) *Metadata {
	m := &Metadata{
		Format:      img.Desc.Tag,
		VirtualSize: img.VirtualSize,
		SectorSize:  img.SectorSize,
		ExtentCount: len(img.Extents),
		SparseRatio: img.SparseRatio(),
	}

	if d := img.Desc.VMDK; d != nil {
		m.VMDK = &VMDKInfo{
			CreateType:  d.CreateType,
			AdapterType: d.AdapterType,
			Geometry:    d.Geometry,
		}
	}
	if d := img.Desc.OVF; d != nil {
		m.OVF = &OVFInfo{
			Algorithm: d.Algorithm,
			SystemID:  d.SystemID,
			Disks:     d.Disks,
		}
	}
	return m
}
