package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fpang/mirage/internal/cli"
	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/config"
	"github.com/fpang/mirage/internal/filehandler"
	"github.com/fpang/mirage/internal/logging"
	"github.com/fpang/mirage/internal/metrics"
	"github.com/fpang/mirage/internal/service"
	"github.com/fpang/mirage/internal/surface"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// CLI flags
var (
	imageFlag     string
	targetFlag    string
	intensityFlag float64
	targetedFlag  bool
	outFlag       string
	pickFlag      bool
	jsonFlag      bool
	metricsFlag   bool
	overrides     config.Flags
)

var rootCmd = &cobra.Command{
	Use:   "mirage-cli",
	Short: "Cloak images from the terminal",
	Long: `Mirage CLI sends one image to the cloaking service and saves the cloaked
result. The art command protects artwork from style mimicry; the face command
protects a portrait from recognition, optionally steering it toward a target
face.

Examples:
  mirage-cli art -i painting.jpg --intensity 0.05
  mirage-cli face -i me.jpg --targeted -t someone-else.jpg -o protected.png
  mirage-cli face --pick
  mirage-cli art -i painting.jpg --json > report.json`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
		if metricsFlag {
			metrics.SetOutput(os.Stderr)
		} else {
			metrics.SetOutput(io.Discard)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&imageFlag, "image", "i", "", "Image to cloak")
	rootCmd.PersistentFlags().Float64Var(&intensityFlag, "intensity", 0.01, "Perturbation strength")
	rootCmd.PersistentFlags().StringVarP(&outFlag, "out", "o", "cloaked.png", "Where to write the cloaked image")
	rootCmd.PersistentFlags().BoolVar(&pickFlag, "pick", false, "Choose images with the native file dialog")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print the result as JSON instead of a report")
	rootCmd.PersistentFlags().BoolVar(&metricsFlag, "metrics", false, "Write EMF metrics to stderr")
	overrides.Register(rootCmd.PersistentFlags())

	faceCmd.Flags().StringVarP(&targetFlag, "target", "t", "", "Target face for targeted cloaking")
	faceCmd.Flags().BoolVar(&targetedFlag, "targeted", false, "Steer the cloak toward the target face")

	rootCmd.AddCommand(artCmd, faceCmd)
}

var artCmd = &cobra.Command{
	Use:   "art",
	Short: "Cloak artwork against style mimicry",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		run(surface.Art)
	},
}

var faceCmd = &cobra.Command{
	Use:   "face",
	Short: "Cloak a portrait against face recognition",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		run(surface.Face)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run drives one surface controller through select, submit and wait.
func run(variant surface.Variant) {
	cfg, err := config.LoadWithFlags(overrides)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := service.NewClient(cfg.ServiceOptions())
	c := surface.New(variant, client, surface.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Context:        ctx,
	})
	defer c.Close()

	source := resolveImage(imageFlag, "Select the image to cloak", "Image path")
	if err := c.SelectSource(loadUpload(source)); err != nil {
		cli.HandleCloakError(err)
	}
	if snap := c.Snapshot(); snap.Source != nil && snap.Source.PrivacyNotice != "" {
		log.Warn().Msg(snap.Source.PrivacyNotice)
	}

	if variant.Targetable && (targetedFlag || targetFlag != "") {
		target := resolveImage(targetFlag, "Select the target face", "Target image path")
		if err := c.SelectTarget(loadUpload(target)); err != nil {
			cli.HandleCloakError(err)
		}
		if err := c.SetTargeted(true); err != nil {
			cli.HandleCloakError(err)
		}
	}

	intensity := c.SetIntensity(intensityFlag)
	if intensity != intensityFlag {
		log.Warn().
			Float64("requested", intensityFlag).
			Float64("used", intensity).
			Msg("Intensity clamped to the surface range")
	}

	start := time.Now()
	opID, err := c.Submit()
	if err != nil {
		cli.HandleCloakError(err)
	}
	log.Info().
		Str("surface", variant.Name).
		Str("operationId", opID).
		Str("service", cfg.CloakURL).
		Msg("Cloaking... this can take a while")

	snap, err := c.WaitSettled(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Interrupted")
	}
	elapsed := time.Since(start)

	if snap.State == surface.Failed {
		log.Error().
			Str("kind", snap.Error.Kind).
			Str("elapsed", cli.FormatDurationShort(elapsed)).
			Msg(snap.Error.Message)
		os.Exit(cli.ExitCodeForKind(snap.Error.Kind))
	}

	result := c.Result()
	if err := os.WriteFile(outFlag, result.CloakedImage.Data, 0o644); err != nil {
		log.Fatal().Err(err).Str("path", outFlag).Msg("Failed to write cloaked image")
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(struct {
			Output string `json:"output"`
			surface.Snapshot
		}{outFlag, snap})
		return
	}

	fmt.Println()
	fmt.Printf("Cloaked image: %s (%dx%d, %s) in %s\n",
		outFlag, result.CloakedImage.Width, result.CloakedImage.Height,
		filehandler.FormatSize(int64(len(result.CloakedImage.Data))), cli.FormatDurationShort(elapsed))
	fmt.Println()
	cli.RenderResult(os.Stdout, result)
}

// resolveImage returns the flag value, or asks for a path with the native
// picker (--pick) or an interactive prompt.
func resolveImage(flagValue, pickTitle, promptLabel string) string {
	if flagValue != "" {
		return cli.ValidateAndResolveFile(flagValue)
	}
	if pickFlag {
		path, canceled, err := cli.PickImage(pickTitle)
		if err != nil {
			log.Fatal().Err(err).Msg("File picker failed")
		}
		if canceled {
			log.Fatal().Msg("No image selected")
		}
		return path
	}
	path := cli.PromptForPath(os.Stdin, os.Stderr, promptLabel)
	if path == "" {
		log.Fatal().Msg(cloak.MsgMissingSource)
	}
	return cli.ValidateAndResolveFile(path)
}

func loadUpload(path string) filehandler.Upload {
	u, err := filehandler.LoadImageFile(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load image")
	}
	return u
}
