// Package pipeline runs conversion jobs: open a source into the canonical
// disk representation, align its extents to the destination's granularity,
// and stream it into the destination while hashing the logical content.
// Jobs are independent pipelines; they share nothing mutable.
package pipeline

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vmi/internal/image"
)

// DefaultAlignment is the extent granularity the transform stage splits
// on, matching the default VMDK grain.
const DefaultAlignment = 64 * 1024

// inFlightExtents bounds the transform stage's channel; the producer
// blocks once this many pieces are unconsumed.
const inFlightExtents = 8

// Source produces the image a job converts.
type Source interface {
	Open(ctx context.Context) (*image.DiskImage, error)
	String() string
}

// Destination consumes the converted image. Discard removes partial
// output after a failed or cancelled run; for targets that cannot delete
// (cloud uploads) it is a logged no-op.
type Destination interface {
	Write(ctx context.Context, img *image.DiskImage) (int64, error)
	Discard() error
	String() string
}

// Result is the outcome of a finished job.
type Result struct {
	BytesWritten int64
	Checksum     string // hex SHA-256 of the logical disk content
}

// Recorder observes job lifecycle events, typically backed by the job
// catalog.
type Recorder interface {
	Created(ctx context.Context, j *Job) error
	Transitioned(ctx context.Context, j *Job, s State) error
	Finished(ctx context.Context, j *Job, res Result, jobErr error) error
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) Created(context.Context, *Job) error                 { return nil }
func (NopRecorder) Transitioned(context.Context, *Job, State) error     { return nil }
func (NopRecorder) Finished(context.Context, *Job, Result, error) error { return nil }

// Job is one conversion from a source to a destination.
type Job struct {
	ID        string
	Src       Source
	Dst       Destination
	Alignment int64

	log      logrus.FieldLogger
	recorder Recorder

	img    *image.DiskImage
	result Result
}

// Option adjusts a job at construction.
type Option func(*Job)

// WithRecorder attaches a lifecycle recorder.
func WithRecorder(r Recorder) Option {
	return func(j *Job) { j.recorder = r }
}

// WithAlignment overrides the transform alignment.
func WithAlignment(align int64) Option {
	return func(j *Job) { j.Alignment = align }
}

// NewJob builds a job with a fresh ULID.
func NewJob(src Source, dst Destination, log logrus.FieldLogger, opts ...Option) *Job {
	j := &Job{
		ID:        ulid.MustNew(ulid.Now(), rand.Reader).String(),
		Src:       src,
		Dst:       dst,
		Alignment: DefaultAlignment,
		recorder:  NopRecorder{},
	}
	for _, opt := range opts {
		opt(j)
	}
	j.log = log.WithFields(logrus.Fields{
		"job_id": j.ID,
		"source": src.String(),
		"dest":   dst.String(),
	})
	return j
}

var jobMachine = newMachine(StateIdle,
	to(StateIdle, func(ctx context.Context, j *Job) (State, error) {
		return StateReading, nil
	}),
	to(StateReading, func(ctx context.Context, j *Job) (State, error) {
		return j.read(ctx)
	}),
	to(StateTransforming, func(ctx context.Context, j *Job) (State, error) {
		return j.transform(ctx)
	}),
	to(StateWriting, func(ctx context.Context, j *Job) (State, error) {
		return j.write(ctx)
	}),
)

// Run executes the job to completion. On failure or cancellation, partial
// destination output is discarded and the image is closed either way.
func (j *Job) Run(ctx context.Context) (Result, error) {
	j.log.Info("starting conversion")
	if err := j.recorder.Created(ctx, j); err != nil {
		return Result{}, err
	}

	err := jobMachine.run(ctx, j, func(s State) {
		j.log.WithField("state", string(s)).Debug("job transition")
		if recErr := j.recorder.Transitioned(ctx, j, s); recErr != nil {
			j.log.WithError(recErr).Warn("recording job transition failed")
		}
	})

	if j.img != nil {
		if closeErr := j.img.Close(); closeErr != nil {
			j.log.WithError(closeErr).Warn("closing source image failed")
		}
	}

	if err != nil {
		if discardErr := j.Dst.Discard(); discardErr != nil {
			j.log.WithError(discardErr).Warn("discarding partial output failed")
		}
		j.log.WithError(err).Error("conversion failed")
	} else {
		j.log.WithFields(logrus.Fields{
			"bytes_written": j.result.BytesWritten,
			"sha256":        j.result.Checksum,
		}).Info("conversion complete")
	}

	if recErr := j.recorder.Finished(ctx, j, j.result, err); recErr != nil {
		j.log.WithError(recErr).Warn("recording job outcome failed")
	}
	return j.result, err
}

func (j *Job) read(ctx context.Context) (State, error) {
	img, err := j.Src.Open(ctx)
	if err != nil {
		return StateFailed, err
	}
	j.img = img
	return StateTransforming, nil
}

// transform realigns the extent map: a producer splits extents at
// alignment boundaries into a bounded channel and the consumer reassembles
// them, normalizing zero ranges and re-merging contiguous pieces. The
// channel keeps at most inFlightExtents pieces buffered.
func (j *Job) transform(ctx context.Context) (State, error) {
	pieces := make(chan image.Extent, inFlightExtents)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(pieces)
		for _, ext := range j.img.Extents {
			for _, piece := range splitAligned(ext, j.Alignment) {
				select {
				case pieces <- piece:
				case <-ctx.Done():
					return image.Wrap(image.IOFailure, ctx.Err(), "transform cancelled")
				}
			}
		}
		return nil
	})

	var out []image.Extent
	g.Go(func() error {
		for piece := range pieces {
			if piece.Zero() {
				piece.Kind = image.KindZero
				piece.Source = nil
			}
			out = append(out, piece)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return StateFailed, err
	}

	aligned, err := image.New(j.img.VirtualSize, j.img.SectorSize, image.MergeAdjacent(out))
	if err != nil {
		return StateFailed, err
	}
	aligned.Desc = j.img.Desc

	// Carry the closers over so the backing files outlive the swap.
	old := j.img
	j.img = aligned
	old.HandOffClosers(aligned)
	return StateWriting, nil
}

// write streams the image into the destination while a second goroutine
// hashes the logical content. Both read the same lazy sources.
func (j *Job) write(ctx context.Context) (State, error) {
	g, ctx := errgroup.WithContext(ctx)

	var written int64
	g.Go(func() error {
		n, err := j.Dst.Write(ctx, j.img)
		written = n
		return err
	})

	var checksum string
	g.Go(func() error {
		h := sha256.New()
		if _, err := io.Copy(h, j.img.Reader()); err != nil {
			return image.Wrap(image.IOFailure, err, "hashing disk content")
		}
		checksum = hex.EncodeToString(h.Sum(nil))
		return nil
	})

	if err := g.Wait(); err != nil {
		return StateFailed, err
	}

	j.result = Result{BytesWritten: written, Checksum: checksum}
	return StateDone, nil
}

// splitAligned cuts an extent at multiples of align. Data pieces get
// section views into the original source so contiguous ones can re-merge.
func splitAligned(ext image.Extent, align int64) []image.Extent {
	if align <= 0 || ext.Length <= align && ext.Offset%align == 0 {
		return []image.Extent{ext}
	}

	var pieces []image.Extent
	rel := int64(0)
	for rel < ext.Length {
		abs := ext.Offset + rel
		n := align - abs%align
		if rem := ext.Length - rel; rem < n {
			n = rem
		}
		piece := image.Extent{Offset: abs, Length: n, Kind: ext.Kind}
		if ext.Kind == image.KindData {
			piece.Source = io.NewSectionReader(ext.Source, rel, n)
		}
		pieces = append(pieces, piece)
		rel += n
	}
	return pieces
}
