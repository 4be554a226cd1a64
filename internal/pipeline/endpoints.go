package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"vmi/internal/cloud"
	"vmi/internal/format"
	"vmi/internal/image"
)

// FileSource opens a container file, probing the registry unless an
// explicit format tag is set.
type FileSource struct {
	Path     string
	Tag      format.Tag
	Registry *format.Registry
}

func (s FileSource) Open(ctx context.Context) (*image.DiskImage, error) {
	var codec format.Codec
	var err error
	if s.Tag != "" {
		codec, err = s.Registry.Resolve(s.Tag)
	} else {
		codec, err = s.Registry.Detect(s.Path)
	}
	if err != nil {
		return nil, err
	}
	return codec.Open(ctx, s.Path)
}

func (s FileSource) String() string { return s.Path }

// FileDestination serializes into a container file. The format comes from
// the explicit tag or the file extension, defaulting to raw.
type FileDestination struct {
	Path     string
	Tag      format.Tag
	Registry *format.Registry
}

func (d FileDestination) Write(ctx context.Context, img *image.DiskImage) (int64, error) {
	codec, err := d.Registry.Resolve(d.tag())
	if err != nil {
		return 0, err
	}
	return codec.Create(ctx, img, d.Path)
}

// Discard removes partial output after a failed run, including sibling
// files multi-file containers spread beside the main path.
func (d FileDestination) Discard() error {
	codec, err := d.Registry.Resolve(d.tag())
	if err != nil {
		return err
	}
	for _, p := range codec.Artifacts(d.Path) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (d FileDestination) String() string { return d.Path }

func (d FileDestination) tag() format.Tag {
	if d.Tag != "" {
		return d.Tag
	}
	switch strings.ToLower(filepath.Ext(d.Path)) {
	case ".vmdk":
		return format.TagVMDK
	case ".ovf", ".ova":
		return format.TagOVF
	default:
		return format.TagRaw
	}
}

// CloudSource exports an existing provider image.
type CloudSource struct {
	Adapter cloud.Adapter
	Handle  *cloud.Handle
}

func (s CloudSource) Open(ctx context.Context) (*image.DiskImage, error) {
	return s.Adapter.Export(ctx, s.Handle)
}

func (s CloudSource) String() string { return s.Handle.String() }

// CloudDestination imports into a provider. The resulting handle is
// stored for the caller. Provider-side cleanup of abandoned uploads is
// best effort, so Discard does nothing.
type CloudDestination struct {
	Adapter cloud.Adapter
	Name    string

	Handle *cloud.Handle
}

func (d *CloudDestination) Write(ctx context.Context, img *image.DiskImage) (int64, error) {
	h, err := d.Adapter.Import(ctx, img, d.Name)
	d.Handle = h
	if err != nil {
		return 0, err
	}
	return img.VirtualSize, nil
}

func (d *CloudDestination) Discard() error { return nil }

func (d *CloudDestination) String() string {
	return string(d.Adapter.Provider()) + "://" + d.Name
}
