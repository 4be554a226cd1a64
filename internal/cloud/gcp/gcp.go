// Package gcp imports disk images as GCE images and exports them back.
// GCE ingests a gzip tarball containing a single "disk.raw" member from
// Cloud Storage; export reads that same tarball back, since the compute
// API has no primitive for downloading an image's disk content.
package gcp

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"

	"vmi/internal/cloud"
	"vmi/internal/format"
	"vmi/internal/image"
)

// ObjectStore is the slice of Cloud Storage the adapter uses.
type ObjectStore interface {
	NewWriter(ctx context.Context, object string) io.WriteCloser
	NewReader(ctx context.Context, object string) (io.ReadCloser, error)
}

// ComputeAPI is the slice of the compute service the adapter uses.
type ComputeAPI interface {
	InsertImage(ctx context.Context, project string, img *compute.Image) (*compute.Operation, error)
	GetOperation(ctx context.Context, project, name string) (*compute.Operation, error)
	GetImage(ctx context.Context, project, name string) (*compute.Image, error)
}

// Adapter translates between DiskImages and GCE images.
type Adapter struct {
	store   ObjectStore
	compute ComputeAPI
	cfg     cloud.TargetConfig
	log     logrus.FieldLogger
}

// New builds an adapter on application default credentials.
func New(ctx context.Context, cfg cloud.TargetConfig, log logrus.FieldLogger) (*Adapter, error) {
	sc, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	svc, err := compute.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating compute service: %w", err)
	}
	return &Adapter{
		store:   gcsBucket{sc.Bucket(cfg.GCP.Bucket)},
		compute: computeService{svc},
		cfg:     cfg,
		log:     log,
	}, nil
}

// NewWithClients builds an adapter over explicit API clients.
func NewWithClients(store ObjectStore, api ComputeAPI, cfg cloud.TargetConfig, log logrus.FieldLogger) *Adapter {
	return &Adapter{store: store, compute: api, cfg: cfg, log: log}
}

func (a *Adapter) Provider() cloud.Provider { return cloud.GCP }

// Import uploads the image as a disk.raw tarball and inserts a GCE image
// over it. The whole upload is retried on failure; the attempt count is
// recorded on the handle.
func (a *Adapter) Import(ctx context.Context, img *image.DiskImage, name string) (*cloud.Handle, error) {
	if err := cloud.ValidateName(cloud.GCP, name); err != nil {
		return nil, err
	}

	object := name + ".tar.gz"
	log := a.log.WithFields(logrus.Fields{
		"provider": "gcp",
		"bucket":   a.cfg.GCP.Bucket,
		"object":   object,
	})

	log.Info("uploading disk tarball")
	attempts, err := cloud.RetryAttempts(ctx, a.cfg.RetryLimit, func() error {
		return a.uploadTarball(ctx, img, object)
	})
	handle := &cloud.Handle{
		Provider: cloud.GCP,
		ID:       name,
		Project:  a.cfg.GCP.Project,
		Source:   fmt.Sprintf("gs://%s/%s", a.cfg.GCP.Bucket, object),
		Status:   cloud.StatusPending,
		Attempts: attempts,
	}
	if err != nil {
		handle.Status = cloud.StatusFailed
		return handle, image.Wrap(image.IOFailure, err, "uploading %s after %d attempts", object, attempts)
	}

	log.WithField("attempts", attempts).Info("inserting image")
	if err := a.insertImage(ctx, name, object); err != nil {
		handle.Status = cloud.StatusFailed
		return handle, err
	}

	handle.Status = cloud.StatusAvailable
	log.WithField("image", name).Info("import complete")
	return handle, nil
}

// uploadTarball streams a gzip tarball with the single member GCE
// requires: disk.raw, holding the full logical disk content.
func (a *Adapter) uploadTarball(ctx context.Context, img *image.DiskImage, object string) error {
	w := a.store.NewWriter(ctx, object)

	gz, err := gzip.NewWriterLevel(w, gzip.BestSpeed)
	if err != nil {
		w.Close()
		return err
	}
	tw := tar.NewWriter(gz)

	header := &tar.Header{
		Name:   "disk.raw",
		Mode:   0o644,
		Size:   img.VirtualSize,
		Format: tar.FormatGNU,
	}
	if err := tw.WriteHeader(header); err != nil {
		w.Close()
		return err
	}
	if _, err := io.Copy(tw, img.Reader()); err != nil {
		w.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		w.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (a *Adapter) insertImage(ctx context.Context, name, object string) error {
	op, err := a.compute.InsertImage(ctx, a.cfg.GCP.Project, &compute.Image{
		Name: name,
		RawDisk: &compute.ImageRawDisk{
			Source: fmt.Sprintf("https://storage.googleapis.com/%s/%s", a.cfg.GCP.Bucket, object),
		},
	})
	if err != nil {
		return image.Wrap(image.ImportRejected, err, "inserting image %s", name)
	}

	deadline := time.Now().Add(a.cfg.PollDeadline)
	for op.Status != "DONE" {
		if time.Now().After(deadline) {
			return image.Errf(image.ImportRejected, "image %s not ready within %s", name, a.cfg.PollDeadline)
		}
		select {
		case <-ctx.Done():
			return image.Wrap(image.IOFailure, ctx.Err(), "waiting for image %s", name)
		case <-time.After(a.cfg.PollInterval):
		}

		op, err = a.compute.GetOperation(ctx, a.cfg.GCP.Project, op.Name)
		if err != nil {
			return image.Wrap(image.IOFailure, err, "polling operation for %s", name)
		}
	}

	if op.Error != nil && len(op.Error.Errors) > 0 {
		first := op.Error.Errors[0]
		return image.Errf(image.ImportRejected, "image %s: %s: %s", name, first.Code, first.Message)
	}
	return nil
}

// Export reads back the source tarball the image was registered from.
// Images without a retrievable source cannot be exported.
func (a *Adapter) Export(ctx context.Context, h *cloud.Handle) (*image.DiskImage, error) {
	if err := cloud.ValidateID(cloud.GCP, h.ID); err != nil {
		return nil, err
	}

	if _, err := a.compute.GetImage(ctx, a.cfg.GCP.Project, h.ID); err != nil {
		if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code == 404 {
			return nil, image.Errf(image.ImageNotFound, "image %s does not exist in %s", h.ID, a.cfg.GCP.Project)
		}
		return nil, image.Wrap(image.IOFailure, err, "looking up image %s", h.ID)
	}

	object, ok := strings.CutPrefix(h.Source, fmt.Sprintf("gs://%s/", a.cfg.GCP.Bucket))
	if !ok || object == "" {
		return nil, image.Errf(image.ImageNotFound,
			"image %s has no retrievable source tarball", h.ID)
	}

	r, err := a.store.NewReader(ctx, object)
	if err != nil {
		return nil, image.Wrap(image.ImageNotFound, err, "opening source tarball %s", object)
	}
	defer r.Close()

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, image.Wrap(image.UnsupportedVariant, err, "source %s is not a gzip tarball", object)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil, image.Errf(image.ImageNotFound, "source %s has no disk.raw member", object)
		}
		if err != nil {
			return nil, image.Wrap(image.IOFailure, err, "reading source tarball %s", object)
		}
		if header.Name == "disk.raw" {
			return a.stageRaw(ctx, tr, h.ID)
		}
	}
}

// stageRaw spools the raw content to a temporary file and opens it through
// the raw codec, so export gets the same zero-run coalescing as a file
// source. The file is removed when the image is closed.
func (a *Adapter) stageRaw(ctx context.Context, r io.Reader, name string) (*image.DiskImage, error) {
	tmp, err := os.CreateTemp("", "vmi-gce-"+name+"-*.raw")
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "staging export of %s", name)
	}
	path := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(path)
		return nil, image.Wrap(image.IOFailure, err, "downloading disk content of %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(path)
		return nil, image.Wrap(image.IOFailure, err, "staging export of %s", name)
	}

	img, err := format.NewRaw().Open(ctx, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	img.AddCloser(func() error { return os.Remove(path) })
	return img, nil
}

// gcsBucket adapts a storage bucket handle to ObjectStore.
type gcsBucket struct {
	bucket *storage.BucketHandle
}

func (b gcsBucket) NewWriter(ctx context.Context, object string) io.WriteCloser {
	return b.bucket.Object(object).NewWriter(ctx)
}

func (b gcsBucket) NewReader(ctx context.Context, object string) (io.ReadCloser, error) {
	return b.bucket.Object(object).NewReader(ctx)
}

// computeService adapts the generated compute client to ComputeAPI.
type computeService struct {
	svc *compute.Service
}

func (c computeService) InsertImage(ctx context.Context, project string, img *compute.Image) (*compute.Operation, error) {
	return c.svc.Images.Insert(project, img).Context(ctx).Do()
}

func (c computeService) GetOperation(ctx context.Context, project, name string) (*compute.Operation, error) {
	return c.svc.GlobalOperations.Get(project, name).Context(ctx).Do()
}

func (c computeService) GetImage(ctx context.Context, project, name string) (*compute.Image, error) {
	return c.svc.Images.Get(project, name).Context(ctx).Do()
}
