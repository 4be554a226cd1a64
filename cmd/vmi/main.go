package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// errUsage marks argument and flag mistakes so main can exit with a
// distinct status.
var errUsage = errors.New("invalid arguments")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vmi",
	Short: "vmi - VM disk image converter",
	Long: `vmi converts virtual machine disk images between container formats
(raw, VMDK, OVF/OVA) and cloud provider images (AWS AMIs, GCE images).

Sources and destinations are either filesystem paths or cloud
references of the form aws://<region>/<ami-id> or gcp://<project>/<name>.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(jobsCmd)
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	logger.SetOutput(os.Stderr)
	return logger
}

// exactArgs is cobra.ExactArgs with the usage marker attached.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		return nil
	}
}

// defaultDBPath places the job catalog under the user cache directory,
// falling back to the working directory.
func defaultDBPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "vmi.db"
	}
	return filepath.Join(dir, "vmi", "jobs.db")
}
