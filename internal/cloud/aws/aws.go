// Package aws imports disk images as AMIs and exports them back. Import
// stages the raw content in S3 with a multipart upload, turns it into an
// EBS snapshot through the EC2 import-snapshot task, and registers an
// AMI over the snapshot. Export walks the AMI's backing snapshot through
// the EBS direct APIs without creating a volume.
package aws

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ebs"
	ebstypes "github.com/aws/aws-sdk-go-v2/service/ebs/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vmi/internal/cloud"
	"vmi/internal/image"
)

// S3API is the slice of the S3 client the adapter uses.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// EC2API is the slice of the EC2 client the adapter uses.
type EC2API interface {
	ImportSnapshot(ctx context.Context, in *ec2.ImportSnapshotInput, opts ...func(*ec2.Options)) (*ec2.ImportSnapshotOutput, error)
	DescribeImportSnapshotTasks(ctx context.Context, in *ec2.DescribeImportSnapshotTasksInput, opts ...func(*ec2.Options)) (*ec2.DescribeImportSnapshotTasksOutput, error)
	RegisterImage(ctx context.Context, in *ec2.RegisterImageInput, opts ...func(*ec2.Options)) (*ec2.RegisterImageOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, opts ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

// EBSAPI is the slice of the EBS direct client the adapter uses.
type EBSAPI interface {
	ListSnapshotBlocks(ctx context.Context, in *ebs.ListSnapshotBlocksInput, opts ...func(*ebs.Options)) (*ebs.ListSnapshotBlocksOutput, error)
	GetSnapshotBlock(ctx context.Context, in *ebs.GetSnapshotBlockInput, opts ...func(*ebs.Options)) (*ebs.GetSnapshotBlockOutput, error)
}

// Adapter translates between DiskImages and AMIs.
type Adapter struct {
	s3  S3API
	ec2 EC2API
	ebs EBSAPI
	cfg cloud.TargetConfig
	log logrus.FieldLogger
}

// New builds an adapter on the SDK default credential chain.
func New(ctx context.Context, cfg cloud.TargetConfig, log logrus.FieldLogger) (*Adapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &Adapter{
		s3:  s3.NewFromConfig(awsCfg),
		ec2: ec2.NewFromConfig(awsCfg),
		ebs: ebs.NewFromConfig(awsCfg),
		cfg: cfg,
		log: log,
	}, nil
}

// NewWithClients builds an adapter over explicit API clients.
func NewWithClients(s3c S3API, ec2c EC2API, ebsc EBSAPI, cfg cloud.TargetConfig, log logrus.FieldLogger) *Adapter {
	return &Adapter{s3: s3c, ec2: ec2c, ebs: ebsc, cfg: cfg, log: log}
}

func (a *Adapter) Provider() cloud.Provider { return cloud.AWS }

// Import uploads the raw disk content to S3, converts it to a snapshot
// and registers an AMI over it.
func (a *Adapter) Import(ctx context.Context, img *image.DiskImage, name string) (*cloud.Handle, error) {
	key := fmt.Sprintf("vmi/%s.raw", name)
	log := a.log.WithFields(logrus.Fields{
		"provider": "aws",
		"bucket":   a.cfg.AWS.Bucket,
		"key":      key,
	})

	log.Info("uploading raw disk content")
	if err := a.multipartUpload(ctx, img.Reader(), key); err != nil {
		return nil, err
	}

	snapshotID, err := a.importSnapshot(ctx, key, name, log)
	if err != nil {
		return nil, err
	}

	log.WithField("snapshot_id", snapshotID).Info("registering image")
	amiID, err := a.registerImage(ctx, snapshotID, name)
	if err != nil {
		return nil, err
	}

	log.WithField("ami_id", amiID).Info("import complete")
	return &cloud.Handle{
		Provider: cloud.AWS,
		ID:       amiID,
		Region:   a.cfg.AWS.Region,
		Source:   fmt.Sprintf("s3://%s/%s", a.cfg.AWS.Bucket, key),
		Status:   cloud.StatusAvailable,
		Attempts: 1,
	}, nil
}

func (a *Adapter) multipartUpload(ctx context.Context, r io.Reader, key string) error {
	create, err := a.s3.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(a.cfg.AWS.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return image.Wrap(image.IOFailure, err, "creating multipart upload")
	}
	uploadID := create.UploadId

	var mu sync.Mutex
	var completed []s3types.CompletedPart

	_, err = cloud.UploadParts(ctx, r, a.cfg.PartSize, a.cfg.Concurrency, a.cfg.RetryLimit,
		func(ctx context.Context, num int32, data []byte) error {
			out, err := a.s3.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:        aws.String(a.cfg.AWS.Bucket),
				Key:           aws.String(key),
				UploadId:      uploadID,
				PartNumber:    aws.Int32(num),
				Body:          bytes.NewReader(data),
				ContentLength: aws.Int64(int64(len(data))),
			})
			if err != nil {
				return err
			}
			mu.Lock()
			completed = append(completed, s3types.CompletedPart{
				ETag:       out.ETag,
				PartNumber: aws.Int32(num),
			})
			mu.Unlock()
			return nil
		})
	if err != nil {
		// Abandoned uploads cost storage until aborted; best effort only.
		if _, abortErr := a.s3.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(a.cfg.AWS.Bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		}); abortErr != nil {
			a.log.WithError(abortErr).Warn("aborting multipart upload failed")
		}
		return image.Wrap(image.IOFailure, err, "uploading to s3://%s/%s", a.cfg.AWS.Bucket, key)
	}

	sort.Slice(completed, func(i, j int) bool {
		return *completed[i].PartNumber < *completed[j].PartNumber
	})
	_, err = a.s3.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(a.cfg.AWS.Bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return image.Wrap(image.IOFailure, err, "completing multipart upload")
	}
	return nil
}

// importSnapshot starts the snapshot import task over the staged object
// and polls it to completion.
func (a *Adapter) importSnapshot(ctx context.Context, key, name string, log logrus.FieldLogger) (string, error) {
	start, err := a.ec2.ImportSnapshot(ctx, &ec2.ImportSnapshotInput{
		// Idempotency token so a retried call cannot start a second task.
		ClientToken: aws.String(uuid.NewString()),
		Description: aws.String(name),
		DiskContainer: &ec2types.SnapshotDiskContainer{
			Format: aws.String("RAW"),
			UserBucket: &ec2types.UserBucket{
				S3Bucket: aws.String(a.cfg.AWS.Bucket),
				S3Key:    aws.String(key),
			},
		},
	})
	if err != nil {
		return "", image.Wrap(image.ImportRejected, err, "starting snapshot import")
	}
	taskID := aws.ToString(start.ImportTaskId)
	log = log.WithField("task_id", taskID)

	deadline := time.Now().Add(a.cfg.PollDeadline)
	for {
		out, err := a.ec2.DescribeImportSnapshotTasks(ctx, &ec2.DescribeImportSnapshotTasksInput{
			ImportTaskIds: []string{taskID},
		})
		if err != nil {
			return "", image.Wrap(image.IOFailure, err, "polling import task %s", taskID)
		}
		if len(out.ImportSnapshotTasks) == 0 || out.ImportSnapshotTasks[0].SnapshotTaskDetail == nil {
			return "", image.Errf(image.ImportRejected, "import task %s disappeared", taskID)
		}
		detail := out.ImportSnapshotTasks[0].SnapshotTaskDetail

		switch aws.ToString(detail.Status) {
		case "completed":
			return aws.ToString(detail.SnapshotId), nil
		case "deleting", "deleted", "error":
			return "", image.Errf(image.ImportRejected, "snapshot import %s: %s",
				aws.ToString(detail.Status), aws.ToString(detail.StatusMessage))
		}
		log.WithField("progress", aws.ToString(detail.Progress)).Debug("snapshot import in progress")

		if time.Now().After(deadline) {
			return "", image.Errf(image.ImportRejected, "import task %s did not finish within %s", taskID, a.cfg.PollDeadline)
		}
		select {
		case <-ctx.Done():
			return "", image.Wrap(image.IOFailure, ctx.Err(), "waiting for import task %s", taskID)
		case <-time.After(a.cfg.PollInterval):
		}
	}
}

func (a *Adapter) registerImage(ctx context.Context, snapshotID, name string) (string, error) {
	out, err := a.ec2.RegisterImage(ctx, &ec2.RegisterImageInput{
		Name:               aws.String(name),
		Architecture:       ec2types.ArchitectureValuesX8664,
		VirtualizationType: aws.String("hvm"),
		EnaSupport:         aws.Bool(true),
		RootDeviceName:     aws.String("/dev/sda1"),
		BlockDeviceMappings: []ec2types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &ec2types.EbsBlockDevice{
				SnapshotId:          aws.String(snapshotID),
				DeleteOnTermination: aws.Bool(true),
			},
		}},
	})
	if err != nil {
		return "", image.Wrap(image.ImportRejected, err, "registering image over %s", snapshotID)
	}
	return aws.ToString(out.ImageId), nil
}

// Export resolves an AMI to its backing snapshot and maps the snapshot's
// allocated blocks into extents. Block content is fetched lazily on read.
func (a *Adapter) Export(ctx context.Context, h *cloud.Handle) (*image.DiskImage, error) {
	if err := cloud.ValidateID(cloud.AWS, h.ID); err != nil {
		return nil, err
	}

	snapshotID, err := a.resolveSnapshot(ctx, h.ID)
	if err != nil {
		return nil, err
	}

	var (
		blocks    []ebstypes.Block
		blockSize int64
		volumeGiB int64
		token     *string
	)
	for {
		out, err := a.ebs.ListSnapshotBlocks(ctx, &ebs.ListSnapshotBlocksInput{
			SnapshotId: aws.String(snapshotID),
			NextToken:  token,
		})
		if err != nil {
			return nil, image.Wrap(image.ImageNotFound, err, "listing blocks of %s", snapshotID)
		}
		blocks = append(blocks, out.Blocks...)
		blockSize = int64(aws.ToInt32(out.BlockSize))
		volumeGiB = aws.ToInt64(out.VolumeSize)
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	if blockSize == 0 || volumeGiB == 0 {
		return nil, image.Errf(image.ImageNotFound, "snapshot %s reports no geometry", snapshotID)
	}

	virtualSize := volumeGiB * 1024 * 1024 * 1024
	sort.Slice(blocks, func(i, j int) bool {
		return aws.ToInt32(blocks[i].BlockIndex) < aws.ToInt32(blocks[j].BlockIndex)
	})

	var extents []image.Extent
	cache := &blockCache{}
	next := int64(0)
	for _, b := range blocks {
		off := int64(aws.ToInt32(b.BlockIndex)) * blockSize
		if off > next {
			extents = append(extents, image.Extent{Offset: next, Length: off - next, Kind: image.KindSparse})
		}
		length := blockSize
		if rem := virtualSize - off; rem < length {
			length = rem
		}
		extents = append(extents, image.Extent{
			Offset: off,
			Length: length,
			Kind:   image.KindData,
			Source: &snapshotBlock{
				api:        a.ebs,
				snapshotID: snapshotID,
				index:      b.BlockIndex,
				token:      b.BlockToken,
				length:     length,
				cache:      cache,
			},
		})
		next = off + length
	}
	if next < virtualSize {
		extents = append(extents, image.Extent{Offset: next, Length: virtualSize - next, Kind: image.KindSparse})
	}

	img, err := image.New(virtualSize, image.DefaultSectorSize, extents)
	if err != nil {
		return nil, err
	}
	img.Desc = image.Descriptor{Tag: "raw"}
	return img, nil
}

func (a *Adapter) resolveSnapshot(ctx context.Context, amiID string) (string, error) {
	out, err := a.ec2.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{amiID}})
	if err != nil {
		return "", image.Wrap(image.ImageNotFound, err, "describing %s", amiID)
	}
	if len(out.Images) == 0 {
		return "", image.Errf(image.ImageNotFound, "image %s does not exist", amiID)
	}
	for _, m := range out.Images[0].BlockDeviceMappings {
		if m.Ebs != nil && m.Ebs.SnapshotId != nil {
			return *m.Ebs.SnapshotId, nil
		}
	}
	return "", image.Errf(image.ImageNotFound, "image %s has no EBS-backed root device", amiID)
}

// blockCache holds the most recently fetched block of one export.
// Sequential reads hit the same block several times, but an open image
// never keeps more than one block of snapshot data resident.
type blockCache struct {
	mu    sync.Mutex
	index int32
	data  []byte
}

// snapshotBlock reads one EBS snapshot block on demand through the
// export's shared single-block cache, verifying the provider checksum
// before serving any bytes.
type snapshotBlock struct {
	api        EBSAPI
	snapshotID string
	index      *int32
	token      *string
	length     int64
	cache      *blockCache
}

func (s *snapshotBlock) fetch() ([]byte, error) {
	out, err := s.api.GetSnapshotBlock(context.Background(), &ebs.GetSnapshotBlockInput{
		SnapshotId: aws.String(s.snapshotID),
		BlockIndex: s.index,
		BlockToken: s.token,
	})
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "fetching block %d of %s", aws.ToInt32(s.index), s.snapshotID)
	}
	defer out.BlockData.Close()

	data, err := io.ReadAll(out.BlockData)
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "reading block %d of %s", aws.ToInt32(s.index), s.snapshotID)
	}

	if out.Checksum != nil && out.ChecksumAlgorithm == ebstypes.ChecksumAlgorithmChecksumAlgorithmSha256 {
		sum := sha256.Sum256(data)
		if got := base64.StdEncoding.EncodeToString(sum[:]); got != *out.Checksum {
			return nil, image.Errf(image.IntegrityViolation,
				"block %d of %s: checksum %s, provider says %s", aws.ToInt32(s.index), s.snapshotID, got, *out.Checksum)
		}
	}
	return data, nil
}

func (s *snapshotBlock) ReadAt(p []byte, off int64) (int, error) {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	if s.cache.data == nil || s.cache.index != aws.ToInt32(s.index) {
		data, err := s.fetch()
		if err != nil {
			return 0, err
		}
		s.cache.index = aws.ToInt32(s.index)
		s.cache.data = data
	}

	if off < 0 || off >= int64(len(s.cache.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.cache.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
