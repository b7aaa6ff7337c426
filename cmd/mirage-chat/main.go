package main

import (
	"context"
	"io"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fpang/mirage/internal/config"
	"github.com/fpang/mirage/internal/logging"
	"github.com/fpang/mirage/internal/metrics"
	"github.com/fpang/mirage/internal/playground"
	"github.com/fpang/mirage/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// CLI flags
var (
	tagFlag     string
	logFileFlag string
	overrides   config.Flags
)

var rootCmd = &cobra.Command{
	Use:   "mirage-chat",
	Short: "Terminal chat playground for Mirage",
	Long: `Mirage Chat is a terminal chat with the Mirage assistant. Pick a tag,
attach an image and describe what you want; the assistant answers with text
and, when it has one, a processed image.

Keys:
  enter    send           tab      next tag
  ctrl+o   attach image   ctrl+x   remove image
  ctrl+r   new chat       ctrl+c   quit

Typing "/image <path>" attaches a file without the dialog.

Examples:
  mirage-chat
  mirage-chat --tag face-cloak --chat-url http://gpu-box:8000`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVar(&tagFlag, "tag", "", "Tag selected at start")
	rootCmd.Flags().StringVar(&logFileFlag, "log-file", filepath.Join(os.TempDir(), "mirage-chat.log"), "Where to write logs while the UI owns the terminal")
	overrides.Register(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	logFile, err := os.OpenFile(logFileFlag, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logging.Init()
		log.Fatal().Err(err).Str("path", logFileFlag).Msg("Failed to open log file")
	}
	defer logFile.Close()
	logging.InitTo(logFile)
	metrics.SetOutput(io.Discard)

	cfg, err := config.LoadWithFlags(overrides)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := service.NewClient(cfg.ServiceOptions())
	pg := playground.New(client, playground.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Context:        ctx,
	})
	defer pg.Close()

	if tagFlag != "" {
		if err := pg.SelectTag(tagFlag); err != nil {
			log.Fatal().Err(err).Msg("Invalid --tag")
		}
	}

	log.Info().Str("chatUrl", cfg.ChatURL).Msg("Chat session started")
	if _, err := tea.NewProgram(newModel(pg), tea.WithAltScreen()).Run(); err != nil {
		log.Fatal().Err(err).Msg("UI failed")
	}
}
