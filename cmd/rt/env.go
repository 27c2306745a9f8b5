package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/runtrack/runtrack/internal/config"
	"github.com/runtrack/runtrack/internal/tracking/backend"
	"github.com/runtrack/runtrack/internal/tracking/backend/local"
	"github.com/runtrack/runtrack/internal/tracking/layout"
	tracksync "github.com/runtrack/runtrack/internal/tracking/sync"
	"github.com/runtrack/runtrack/internal/ui"
)

// flagKeys maps configuration keys to the flags that override them.
var flagKeys = map[string]string{
	"project":                  "project",
	"backend":                  "backend",
	"api_token":                "api-token",
	"sync.batch_size":          "batch-size",
	"sync.batch_timeout":       "batch-timeout",
	"sync.workers":             "workers",
	"daemon.debounce_interval": "debounce",
	"daemon.poll_interval":     "poll-interval",
	"dashboard.addr":           "dashboard-addr",
	"log.file":                 "log-file",
}

// workspace is a located tracking directory and its configuration.
type workspace struct {
	cfg    *config.Config
	layout *layout.Layout
	logger *log.Logger
}

// openWorkspace locates the tracking directory named by --location and
// loads the configuration layered over it.
func openWorkspace(cmd *cobra.Command) (*workspace, error) {
	location, _ := cmd.Flags().GetString("location")
	l, err := layout.Find(location)
	if err != nil {
		return nil, fmt.Errorf("%w. Please specify a path to a folder with runtrack runs", err)
	}

	flags := make(map[string]*pflag.Flag)
	for key, name := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			flags[key] = f
		}
	}
	cfg, err := config.Load(l.Root(), flags)
	if err != nil {
		return nil, err
	}

	return &workspace{
		cfg:    cfg,
		layout: l,
		logger: config.NewLogger(os.Stderr, "sync"),
	}, nil
}

// openBackend connects to the configured backend. The closer releases it.
func (w *workspace) openBackend(ctx context.Context) (backend.Backend, io.Closer, error) {
	if path, ok := w.cfg.LocalBackendPath(); ok {
		store, err := local.Open(path, local.Options{AutoCreateProjects: true})
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}

	client, err := backend.NewHTTPClient(backend.HTTPConfig{
		BaseURL:       w.cfg.Backend,
		Token:         w.cfg.APIToken,
		Timeout:       w.cfg.RequestTimeout,
		ClientVersion: Version,
		Logger:        config.NewLogger(os.Stderr, "backend"),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := client.CheckCompatibility(ctx); err != nil {
		return nil, nil, err
	}
	return client, nopCloser{}, nil
}

// synchronizer builds a Synchronizer from the sync settings.
func (w *workspace) synchronizer(b backend.Backend, observer tracksync.Observer) tracksync.Synchronizer {
	return tracksync.New(b, tracksync.Config{
		BatchSize:    w.cfg.Sync.BatchSize,
		BatchTimeout: w.cfg.Sync.BatchTimeout,
		Logger:       w.logger,
		Observer:     observer,
	})
}

// coordinator builds a Coordinator over s.
func (w *workspace) coordinator(b backend.Backend, s tracksync.Synchronizer) *tracksync.Coordinator {
	coord := tracksync.NewCoordinator(w.layout, b, s, w.logger)
	coord.Workers = w.cfg.Sync.Workers
	return coord
}

// runDir resolves ref, a run directory name, in either namespace.
func (w *workspace) runDir(ref string) (string, error) {
	if !layout.IsValidUUID(ref) {
		return "", fmt.Errorf("%q is not a run id", ref)
	}
	for _, dir := range []string{w.layout.RunDir(ref), w.layout.OfflineRunDir(ref)} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("run %s does not exist in location %s", ref, w.layout.Root())
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
