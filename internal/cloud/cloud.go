// Package cloud defines the adapter contract between the canonical disk
// representation and a provider's image object: import uploads and
// registers, export resolves an existing image back into extents.
package cloud

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"vmi/internal/image"
)

// Provider tags a cloud adapter.
type Provider string

const (
	AWS Provider = "aws"
	GCP Provider = "gcp"
)

// Status is the lifecycle state of a provider-side image object.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAvailable Status = "available"
	StatusFailed    Status = "failed"
)

// Handle identifies an image object on a provider. ID is the provider's
// identifier (AMI id, GCE image name); Source, when set, is the storage
// object the image was registered from and is what export reads back.
type Handle struct {
	Provider Provider
	ID       string
	Region   string
	Project  string
	Source   string
	Status   Status
	Attempts int
}

func (h *Handle) String() string {
	scope := h.Region
	if h.Provider == GCP {
		scope = h.Project
	}
	return fmt.Sprintf("%s://%s/%s", h.Provider, scope, h.ID)
}

// Adapter translates between a DiskImage and one provider's image API.
type Adapter interface {
	Provider() Provider

	// Import uploads img and registers it as a provider image. The
	// returned handle is Available on success; provider-side rejection
	// fails with ImportRejected.
	Import(ctx context.Context, img *image.DiskImage, name string) (*Handle, error)

	// Export resolves an existing image into a DiskImage. A missing or
	// unreadable image fails with ImageNotFound.
	Export(ctx context.Context, h *Handle) (*image.DiskImage, error)
}

var (
	amiPattern = regexp.MustCompile(`^ami-[0-9a-f]{8,17}$`)

	// RFC 1035 label, as GCE requires for image names.
	gceNamePattern = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,61}[a-z0-9])?$`)
)

// ValidateID checks the shape of an existing image's identifier; a
// malformed one can never name a real image, so it fails as not found.
func ValidateID(p Provider, id string) error {
	if err := checkIDShape(p, id); err != nil {
		return image.Errf(image.ImageNotFound, "%s", err)
	}
	return nil
}

// ValidateName checks a proposed name for a new image. Unlike ValidateID
// this guards the import path, so a bad name is an import rejection.
func ValidateName(p Provider, name string) error {
	if err := checkIDShape(p, name); err != nil {
		return image.Errf(image.ImportRejected, "%s", err)
	}
	return nil
}

func checkIDShape(p Provider, id string) error {
	switch p {
	case AWS:
		if !amiPattern.MatchString(id) {
			return fmt.Errorf("%q is not a valid AMI id", id)
		}
	case GCP:
		if !gceNamePattern.MatchString(id) {
			return fmt.Errorf("%q is not a valid GCE image name", id)
		}
	default:
		return fmt.Errorf("unknown provider %q", p)
	}
	return nil
}

// Ref is a parsed cloud image reference: aws://<region>/<ami-id> or
// gcp://<project>/<image-name>.
type Ref struct {
	Provider Provider
	Region   string // AWS
	Project  string // GCP
	ID       string
}

// IsRef reports whether s looks like a cloud reference rather than a
// filesystem path.
func IsRef(s string) bool {
	return strings.HasPrefix(s, "aws://") || strings.HasPrefix(s, "gcp://")
}

// ParseRef parses a cloud image reference and validates the identifier.
func ParseRef(s string) (Ref, error) {
	var ref Ref

	rest, ok := strings.CutPrefix(s, "aws://")
	if ok {
		ref.Provider = AWS
	} else if rest, ok = strings.CutPrefix(s, "gcp://"); ok {
		ref.Provider = GCP
	} else {
		return ref, image.Errf(image.UnknownFormat, "%q is not a cloud reference", s)
	}

	scope, id, ok := strings.Cut(rest, "/")
	if !ok || scope == "" || id == "" {
		return ref, image.Errf(image.UnknownFormat, "cloud reference %q needs <scope>/<id>", s)
	}

	if err := ValidateID(ref.Provider, id); err != nil {
		return ref, err
	}

	ref.ID = id
	if ref.Provider == AWS {
		ref.Region = scope
	} else {
		ref.Project = scope
	}
	return ref, nil
}

// Handle builds a handle for an existing provider image named by the ref.
func (r Ref) Handle() *Handle {
	return &Handle{
		Provider: r.Provider,
		ID:       r.ID,
		Region:   r.Region,
		Project:  r.Project,
		Status:   StatusAvailable,
	}
}
