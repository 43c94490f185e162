// Package main is the healthsync command line: run syncs, inspect the queue
// and logs, and move records between devices.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hamzamalik22/gaza-health-records-app/internal/app"
	"github.com/hamzamalik22/gaza-health-records-app/internal/config"
	"github.com/hamzamalik22/gaza-health-records-app/internal/connectivity"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
	"github.com/hamzamalik22/gaza-health-records-app/internal/remote"
)

// Version is set at build time.
var Version = "0.1.0"

// cli carries the global flags and the loaded config.
type cli struct {
	cfgPath  string
	dataDir  string
	deviceID string
	logLevel string
	online   bool

	cfg *config.Config
	// dir replaces the configured remote directory when set.
	dir remote.Directory
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(&cli{})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "healthsync",
		Short:         "Offline-first patient record sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgPath, "config", "", "config file (yaml, toml or json)")
	pf.StringVar(&c.dataDir, "data-dir", "", "override data_dir")
	pf.StringVar(&c.deviceID, "device-id", "", "override device_id")
	pf.StringVar(&c.logLevel, "log-level", "", "override log.level")
	pf.BoolVar(&c.online, "online", false, "skip the reachability probe and assume online")

	root.AddGroup(
		&cobra.Group{ID: "sync", Title: "Cloud sync:"},
		&cobra.Group{ID: "peer", Title: "Device to device:"},
	)

	root.AddCommand(
		newVersionCmd(),
		newStatusCmd(c),
		newSyncCmd(c),
		newQueueCmd(c),
		newLogsCmd(c),
		newPushCmd(c),
		newRemoteCmd(c),
		newPatientsCmd(c),
		newPeerCmd(c),
		newImportCmd(c),
		newExportCmd(c),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load(c.cfgPath)
	if err != nil {
		return err
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if c.deviceID != "" {
		cfg.DeviceID = c.deviceID
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	// Logs go to stderr so command output stays parseable.
	logging.Init(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Log.Level))
	c.cfg = cfg
	return nil
}

// open builds the app. When probe is set, connectivity is checked once and
// adopted without triggering a background pass.
func (c *cli) open(ctx context.Context, probe bool, opts app.Options) (*app.App, error) {
	opts.Directory = c.dir
	if probe {
		opts.Online = c.reachable(ctx)
	}
	return app.New(ctx, c.cfg, opts)
}

func (c *cli) reachable(ctx context.Context) bool {
	if c.online || !c.cfg.ConnectivityEnabled() {
		return true
	}
	p := connectivity.NewHTTPProber(c.cfg.Connectivity.ProbeURL, c.cfg.Connectivity.ProbeTimeout)
	return p.Probe(ctx)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// The version needs no config.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "healthsync v%s\n", Version)
		},
	}
}
