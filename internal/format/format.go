// Package format implements the container codecs (Raw, VMDK, OVF/OVA) and
// the registry that detects which codec claims a source. Codecs are a
// closed set: adding a format means adding a codec and a registry entry,
// not registering through reflection.
package format

import (
	"context"
	"io"
	"os"

	"vmi/internal/image"
)

// Tag names a supported container format.
type Tag string

const (
	TagRaw  Tag = "raw"
	TagVMDK Tag = "vmdk"
	TagOVF  Tag = "ovf"
)

// Probe confidence scores. Raw matches anything, so it only ever wins as
// the fallback.
const (
	probeNone     = 0
	probeFallback = 1
	probeStrong   = 90
	probeMagic    = 100
)

// Codec translates between a container file and the canonical DiskImage.
type Codec interface {
	Tag() Tag

	// Probe reports a confidence score in [0, 100] that the content is
	// this codec's format. It must not read past what it needs.
	Probe(r io.ReaderAt, size int64) int

	// Open parses the container at path into a DiskImage without copying
	// disk content. The caller owns the returned image and must Close it.
	Open(ctx context.Context, path string) (*image.DiskImage, error)

	// Create serializes img into a new container at path and returns the
	// number of bytes written to disk.
	Create(ctx context.Context, img *image.DiskImage, path string) (int64, error)

	// Artifacts lists every file Create may produce for path, the
	// container itself first. Some entries may not exist on disk.
	Artifacts(path string) []string
}

// Registry resolves codecs by probing or by explicit tag. The probe order
// is fixed (OVF, then VMDK, then Raw) and doubles as the tie-break: the
// earlier codec wins an equal score.
type Registry struct {
	codecs []Codec
}

// NewRegistry builds the registry with the standard codec set. It is
// intended to be created once at process start and treated as read-only.
func NewRegistry() *Registry {
	return &Registry{codecs: []Codec{NewOVF(), NewVMDK(), NewRaw()}}
}

// Codecs returns the probe-ordered codec list.
func (r *Registry) Codecs() []Codec { return r.codecs }

// Resolve returns the codec for an explicit tag, bypassing detection.
func (r *Registry) Resolve(tag Tag) (Codec, error) {
	for _, c := range r.codecs {
		if c.Tag() == tag {
			return c, nil
		}
	}
	return nil, image.Errf(image.UnknownFormat, "no codec for format %q", tag)
}

// Detect probes the file at path with every codec and returns the highest
// scorer. All-zero scores fail with UnknownFormat.
func (r *Registry) Detect(path string) (Codec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "opening %s for detection", path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "stat %s", path)
	}

	var best Codec
	bestScore := probeNone
	for _, c := range r.codecs {
		if score := c.Probe(f, fi.Size()); score > bestScore {
			best, bestScore = c, score
		}
	}
	if best == nil {
		return nil, image.Errf(image.UnknownFormat, "no codec claims %s", path)
	}
	return best, nil
}
