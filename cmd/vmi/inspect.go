package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vmi/internal/cloud"
	"vmi/internal/format"
	"vmi/internal/inspect"
)

var inspectFormat string

func init() {
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "", "force a container format (raw, vmdk, ovf)")
	inspectCmd.Flags().StringVar(&configPath, "config", "", "cloud target config file (YAML)")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <path|cloud-ref>",
	Short: "Describe a disk image without converting it",
	Long: `Inspect a disk image and print its metadata as JSON: detected format,
virtual size, extent layout, sparseness, and any descriptor details the
container carries.

Examples:
  vmi inspect disk.vmdk
  vmi inspect appliance.ova
  vmi inspect gcp://my-project/web-base`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		logger := newLogger()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		reg := format.NewRegistry()
		tag, err := resolveTag(reg, inspectFormat)
		if err != nil {
			return err
		}

		var meta *inspect.Metadata
		if cloud.IsRef(target) {
			meta, err = inspectCloud(ctx, target)
		} else {
			meta, err = inspect.Inspect(ctx, reg, target, tag)
		}
		if err != nil {
			logger.WithError(err).Error("inspect failed")
			return fmt.Errorf("failed to inspect %s: %w", target, err)
		}

		out, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func inspectCloud(ctx context.Context, target string) (*inspect.Metadata, error) {
	ref, err := cloud.ParseRef(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	cfg, err := loadTargetConfig()
	if err != nil {
		return nil, err
	}
	adapter, err := newAdapter(ctx, ref.Provider, ref.Region, ref.Project, cfg, newLogger())
	if err != nil {
		return nil, err
	}
	img, err := adapter.Export(ctx, ref.Handle())
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return inspect.FromImage(img), nil
}
