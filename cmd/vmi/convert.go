package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vmi/internal/cloud"
	"vmi/internal/cloud/aws"
	"vmi/internal/cloud/gcp"
	"vmi/internal/format"
	"vmi/internal/pipeline"
	"vmi/internal/store"
)

var (
	convertFrom   string
	convertTo     string
	convertFormat string
	configPath    string
	dbPath        string
)

func init() {
	convertCmd.Flags().StringVar(&convertFrom, "from", "", "source path or cloud reference")
	convertCmd.Flags().StringVar(&convertTo, "to", "", "destination path or cloud reference")
	convertCmd.Flags().StringVar(&convertFormat, "format", "", "force a container format (raw, vmdk, ovf)")
	convertCmd.Flags().StringVar(&configPath, "config", "", "cloud target config file (YAML)")
	convertCmd.Flags().StringVar(&dbPath, "db", defaultDBPath(), "job catalog database")
}

var convertCmd = &cobra.Command{
	Use:   "convert --from <src> --to <dst>",
	Short: "Convert a disk image between formats or clouds",
	Long: `Convert a disk image from one representation to another.

Either side can be a filesystem path or a cloud reference. File formats
are detected by probing unless --format forces one; destination file
formats follow the file extension.

Examples:
  vmi convert --from disk.raw --to disk.vmdk
  vmi convert --from appliance.ova --to disk.raw
  vmi convert --from disk.raw --to aws://us-east-1/web-base
  vmi convert --from aws://us-east-1/ami-0abcdef1234567890 --to disk.vmdk`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if convertFrom == "" || convertTo == "" {
			return fmt.Errorf("%w: --from and --to are required", errUsage)
		}

		logger := newLogger()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg, err := loadTargetConfig()
		if err != nil {
			return err
		}

		reg := format.NewRegistry()
		tag, err := resolveTag(reg, convertFormat)
		if err != nil {
			return err
		}

		src, err := newSource(ctx, reg, cfg, logger, convertFrom, tag)
		if err != nil {
			return err
		}
		dst, err := newDestination(ctx, reg, cfg, logger, convertTo, tag)
		if err != nil {
			return err
		}

		st, err := openStore(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open job catalog: %w", err)
		}
		defer st.Close()

		lock := "dest:" + dst.String()
		ok, err := st.TryLock(ctx, lock)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("another job is writing to %s", dst)
		}
		defer func() {
			if err := st.ReleaseLock(context.Background(), lock); err != nil {
				logger.WithError(err).Warn("failed to release destination lock")
			}
		}()

		job := pipeline.NewJob(src, dst, logger, pipeline.WithRecorder(st))
		res, err := job.Run(ctx)
		if err != nil {
			return fmt.Errorf("conversion failed: %w", err)
		}

		fmt.Printf("✓ Converted %s -> %s\n", src, dst)
		fmt.Printf("  job:      %s\n", job.ID)
		fmt.Printf("  written:  %d bytes\n", res.BytesWritten)
		fmt.Printf("  checksum: sha256:%s\n", res.Checksum)
		return nil
	},
}

func loadTargetConfig() (cloud.TargetConfig, error) {
	if configPath == "" {
		return cloud.DefaultTargetConfig(), nil
	}
	cfg, err := cloud.LoadTargetConfig(configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config %s: %w", configPath, err)
	}
	return cfg, nil
}

func resolveTag(reg *format.Registry, s string) (format.Tag, error) {
	if s == "" {
		return "", nil
	}
	tag := format.Tag(strings.ToLower(s))
	if _, err := reg.Resolve(tag); err != nil {
		return "", fmt.Errorf("%w: unknown format %q", errUsage, s)
	}
	return tag, nil
}

func newSource(ctx context.Context, reg *format.Registry, cfg cloud.TargetConfig, logger logrus.FieldLogger, from string, tag format.Tag) (pipeline.Source, error) {
	if !cloud.IsRef(from) {
		return pipeline.FileSource{Path: from, Tag: tag, Registry: reg}, nil
	}

	ref, err := cloud.ParseRef(from)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	adapter, err := newAdapter(ctx, ref.Provider, ref.Region, ref.Project, cfg, logger)
	if err != nil {
		return nil, err
	}
	return pipeline.CloudSource{Adapter: adapter, Handle: ref.Handle()}, nil
}

func newDestination(ctx context.Context, reg *format.Registry, cfg cloud.TargetConfig, logger logrus.FieldLogger, to string, tag format.Tag) (pipeline.Destination, error) {
	if !cloud.IsRef(to) {
		return pipeline.FileDestination{Path: to, Tag: tag, Registry: reg}, nil
	}

	provider, scope, name, err := splitTarget(to)
	if err != nil {
		return nil, err
	}
	var region, project string
	if provider == cloud.AWS {
		region = scope
	} else {
		project = scope
		if err := cloud.ValidateName(cloud.GCP, name); err != nil {
			return nil, fmt.Errorf("%w: %v", errUsage, err)
		}
	}
	adapter, err := newAdapter(ctx, provider, region, project, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &pipeline.CloudDestination{Adapter: adapter, Name: name}, nil
}

// splitTarget parses a destination cloud reference. Unlike ParseRef the
// identifier is a name chosen for the new image, not an existing id, so
// only GCE names get shape-checked (in newDestination).
func splitTarget(s string) (cloud.Provider, string, string, error) {
	var provider cloud.Provider
	rest, ok := strings.CutPrefix(s, "aws://")
	if ok {
		provider = cloud.AWS
	} else if rest, ok = strings.CutPrefix(s, "gcp://"); ok {
		provider = cloud.GCP
	} else {
		return "", "", "", fmt.Errorf("%w: %q is not a cloud reference", errUsage, s)
	}
	scope, name, ok := strings.Cut(rest, "/")
	if !ok || scope == "" || name == "" {
		return "", "", "", fmt.Errorf("%w: cloud destination %q needs <scope>/<name>", errUsage, s)
	}
	return provider, scope, name, nil
}

func newAdapter(ctx context.Context, provider cloud.Provider, region, project string, cfg cloud.TargetConfig, logger logrus.FieldLogger) (cloud.Adapter, error) {
	switch provider {
	case cloud.AWS:
		if region != "" {
			cfg.AWS.Region = region
		}
		adapter, err := aws.New(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize AWS adapter: %w", err)
		}
		return adapter, nil
	case cloud.GCP:
		if project != "" {
			cfg.GCP.Project = project
		}
		adapter, err := gcp.New(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GCP adapter: %w", err)
		}
		return adapter, nil
	}
	return nil, fmt.Errorf("%w: unknown provider %q", errUsage, provider)
}

func openStore(path string) (*store.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}
