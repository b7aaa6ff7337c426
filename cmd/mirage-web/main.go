package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fpang/mirage/internal/config"
	"github.com/fpang/mirage/internal/filehandler"
	"github.com/fpang/mirage/internal/logging"
	"github.com/fpang/mirage/internal/metrics"
	"github.com/fpang/mirage/internal/service"
	"github.com/fpang/mirage/internal/workspace"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.commitHash=... -X main.buildTime=...".
var (
	commitHash string
	buildTime  string
)

// CLI flags
var (
	addrFlag        string
	idleTimeoutFlag time.Duration
	noGzipFlag      bool
	overrides       config.Flags
)

var rootCmd = &cobra.Command{
	Use:   "mirage-web",
	Short: "Local API server for the Mirage cloaking surfaces",
	Long: `Mirage Web starts a local HTTP server exposing the art cloak, face cloak
and chat playground as a JSON API. Each browser session gets its own
workspace; selected images are served back through preview handles.

Examples:
  mirage-web
  mirage-web --addr 127.0.0.1:9090
  mirage-web --cloak-url http://gpu-box:8080 --chat-url http://gpu-box:8000`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVar(&addrFlag, "addr", "", "Address to listen on (env "+config.EnvWebAddr+")")
	rootCmd.Flags().DurationVar(&idleTimeoutFlag, "idle-timeout", workspace.DefaultIdleTimeout, "Close sessions unused for this long")
	rootCmd.Flags().BoolVar(&noGzipFlag, "no-gzip", false, "Disable response compression")
	overrides.Register(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	initStart := time.Now()
	logging.Init()
	metrics.SetHost("mirage-web")

	cfg, err := config.LoadWithFlags(overrides)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if addrFlag != "" {
		cfg.WebAddr = addrFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := service.NewClient(cfg.ServiceOptions())
	manager := workspace.NewManager(workspace.Deps{
		Transformer:    client,
		Chatter:        client,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Context:        ctx,
	}, workspace.ManagerOptions{IdleTimeout: idleTimeoutFlag})

	srv := newServer(manager, cfg.MaxUploadBytes)
	var handler http.Handler = withLogging(withCORS(cfg.AllowOrigins, withMetrics(srv.routes())))
	if !noGzipFlag {
		handler = gzhttp.GzipHandler(handler)
	}

	httpSrv := &http.Server{
		Addr:              cfg.WebAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: long-polls and slow cloaking runs hold responses open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Server shutdown incomplete")
		}
	}()

	logging.NewStartupLogger("mirage-web").
		CommitHash(commitHash).
		BuildTime(buildTime).
		Endpoint("cloak", cfg.CloakURL).
		Endpoint("chat", cfg.ChatURL).
		Feature("gzip", !noGzipFlag).
		Feature("cors", len(cfg.AllowOrigins) > 0).
		Config("addr", cfg.WebAddr).
		Config("chatTimeout", cfg.ChatTimeout.String()).
		Config("maxUpload", filehandler.FormatSize(cfg.MaxUploadBytes)).
		Config("idleTimeout", idleTimeoutFlag.String()).
		Config("allowOrigins", strings.Join(cfg.AllowOrigins, ",")).
		InitDuration(time.Since(initStart)).
		Log()
	fmt.Printf("\n  Mirage API: http://%s/api/\n\n", cfg.WebAddr)

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	manager.Shutdown()
}
