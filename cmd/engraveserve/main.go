// Command engraveserve runs the render dispatcher in either coordinator
// role (accepting browser clients and worker registrations on --ws-port)
// or worker role (dialing out to --coordinator) from a single binary,
// with the role selected at startup by which flag is set.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scoreforge/engraveserve/pkg/config"
	"github.com/scoreforge/engraveserve/pkg/coordclient"
	"github.com/scoreforge/engraveserve/pkg/coordinator"
	"github.com/scoreforge/engraveserve/pkg/dispatch"
	"github.com/scoreforge/engraveserve/pkg/identity"
	"github.com/scoreforge/engraveserve/pkg/log"
	"github.com/scoreforge/engraveserve/pkg/renderer"
	"github.com/scoreforge/engraveserve/pkg/workerpool"
	"github.com/scoreforge/engraveserve/pkg/wsconn"
)

const defaultRenderTimeout = 60 * time.Second

var (
	cfg        config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "engraveserve",
	Short: "JSON-RPC render dispatcher for a pool of sandboxed music engravers",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "optional YAML config overlay; fields it sets override the flag values")
	config.Register(rootCmd, &cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if err := config.LoadOverlay(configPath, &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := log.Init(log.Config{Level: log.Level(cfg.LogLevel)}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	backend, err := renderer.NewDockerBackend(renderer.Config{
		StableImage:   cfg.RendererDockerTag,
		UnstableImage: cfg.RendererUnstableDockerTag,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to docker: %w", err)
	}

	sup := renderer.New(backend, cfg.SlotVersions(), defaultRenderTimeout)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start renderer slots: %w", err)
	}

	registry := wsconn.NewRegistry()
	workers := workerpool.New()
	d := dispatch.New(registry, sup, workers)
	rel := identity.New(cfg.GitHubClientID, cfg.GitHubSecret, registry)
	srv := coordinator.New(registry, d, workers, sup, rel)

	if cfg.IsCoordinator() {
		return runCoordinator(ctx, registry, srv)
	}
	return runWorker(ctx, registry, srv)
}

func runCoordinator(ctx context.Context, registry *wsconn.Registry, srv *coordinator.Server) error {
	wsServer := wsconn.NewServer(registry, srv.OnFrame, srv.OnDisconnect)
	addr := fmt.Sprintf(":%d", cfg.WSPort)
	log.Info("coordinator listening", "addr", addr)
	return wsServer.ListenAndServe(ctx, addr)
}

func runWorker(ctx context.Context, registry *wsconn.Registry, srv *coordinator.Server) error {
	client := coordclient.New(cfg.CoordinatorURL, cfg.Jobs, registry, srv.OnFrame)
	log.Info("worker connecting to coordinator", "url", cfg.CoordinatorURL)
	client.Run(ctx)
	return nil
}
