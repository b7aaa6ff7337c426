package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fpang/mirage/internal/config"
	"github.com/fpang/mirage/internal/logging"
	"github.com/fpang/mirage/internal/metrics"
	"github.com/fpang/mirage/internal/service"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// CLI flags
var (
	metricsFlag bool
	overrides   config.Flags
)

var rootCmd = &cobra.Command{
	Use:   "mirage-mcp",
	Short: "MCP server exposing Mirage cloaking tools",
	Long: `Mirage MCP serves the art_cloak and face_cloak tools over stdio so an
MCP client can cloak local images. Logs go to stderr; stdout carries the
protocol.

Example client configuration:
  {"command": "mirage-mcp", "args": ["--cloak-url", "http://127.0.0.1:8080"]}`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().BoolVar(&metricsFlag, "metrics", false, "Write EMF metrics to stderr")
	overrides.Register(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	logging.InitTo(os.Stderr)
	// Stdout belongs to the protocol.
	if metricsFlag {
		metrics.SetOutput(os.Stderr)
	} else {
		metrics.SetOutput(io.Discard)
	}
	metrics.SetHost("mirage-mcp")

	cfg, err := config.LoadWithFlags(overrides)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tools := &toolset{
		transformer:    service.NewClient(cfg.ServiceOptions()),
		maxUploadBytes: cfg.MaxUploadBytes,
	}
	server := newMCPServer(tools)

	logging.NewStartupLogger("mirage-mcp").
		Endpoint("cloak", cfg.CloakURL).
		Config("version", version).
		Feature("metrics", metricsFlag).
		Log()

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("MCP server failed")
	}
}
