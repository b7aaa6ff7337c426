package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fpang/mirage/internal/cli"
	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/filehandler"
	"github.com/fpang/mirage/internal/service"
	"github.com/fpang/mirage/internal/surface"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

// ArtCloakInput is the art_cloak argument object.
type ArtCloakInput struct {
	ImagePath  string  `json:"image_path" jsonschema:"absolute path of the artwork to cloak"`
	Intensity  float64 `json:"intensity,omitempty" jsonschema:"perturbation strength, 0 to 0.2 (default 0.01)"`
	OutputPath string  `json:"output_path,omitempty" jsonschema:"where to write the cloaked PNG (default: next to the source)"`
}

// FaceCloakInput is the face_cloak argument object.
type FaceCloakInput struct {
	ImagePath       string  `json:"image_path" jsonschema:"absolute path of the portrait to cloak"`
	Intensity       float64 `json:"intensity,omitempty" jsonschema:"perturbation strength, 0 to 0.1 (default 0.01)"`
	TargetImagePath string  `json:"target_image_path,omitempty" jsonschema:"face to steer recognition toward; enables targeted cloaking"`
	OutputPath      string  `json:"output_path,omitempty" jsonschema:"where to write the cloaked PNG (default: next to the source)"`
}

// CloakOutput is the structured result of both tools.
type CloakOutput struct {
	OutputPath          string             `json:"output_path"`
	Width               int                `json:"width"`
	Height              int                `json:"height"`
	OriginalPredictions []cloak.Prediction `json:"original_predictions,omitempty"`
	CloakedPredictions  []cloak.Prediction `json:"cloaked_predictions,omitempty"`
	Metrics             map[string]any     `json:"metrics,omitempty"`
}

type toolset struct {
	transformer    service.Transformer
	maxUploadBytes int64
}

func newMCPServer(t *toolset) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "mirage", Version: version}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "art_cloak",
		Description: "Add an imperceptible perturbation to artwork so style-mimicry models misread it. Writes a PNG and reports classifier predictions before and after.",
	}, t.artCloak)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "face_cloak",
		Description: "Add an imperceptible perturbation to a portrait so face recognition misidentifies it, optionally toward a target face. Writes a PNG and reports similarity metrics.",
	}, t.faceCloak)
	return server
}

func (t *toolset) artCloak(ctx context.Context, _ *mcp.CallToolRequest, in ArtCloakInput) (*mcp.CallToolResult, CloakOutput, error) {
	return t.cloak(ctx, surface.Art, in.ImagePath, "", in.Intensity, in.OutputPath)
}

func (t *toolset) faceCloak(ctx context.Context, _ *mcp.CallToolRequest, in FaceCloakInput) (*mcp.CallToolResult, CloakOutput, error) {
	return t.cloak(ctx, surface.Face, in.ImagePath, in.TargetImagePath, in.Intensity, in.OutputPath)
}

// cloak runs one submission through a throwaway surface controller.
func (t *toolset) cloak(ctx context.Context, variant surface.Variant, imagePath, targetPath string, intensity float64, outPath string) (*mcp.CallToolResult, CloakOutput, error) {
	c := surface.New(variant, t.transformer, surface.Options{
		MaxUploadBytes: t.maxUploadBytes,
		Context:        ctx,
	})
	defer c.Close()

	if err := selectFile(c.SelectSource, imagePath); err != nil {
		return nil, CloakOutput{}, err
	}
	if targetPath != "" {
		if err := selectFile(c.SelectTarget, targetPath); err != nil {
			return nil, CloakOutput{}, err
		}
		if err := c.SetTargeted(true); err != nil {
			return nil, CloakOutput{}, err
		}
	}
	if intensity == 0 {
		intensity = variant.DefaultIntensity
	}
	c.SetIntensity(intensity)

	if _, err := c.Submit(); err != nil {
		return nil, CloakOutput{}, err
	}
	snap, err := c.WaitSettled(ctx)
	if err != nil {
		return nil, CloakOutput{}, err
	}
	if snap.State == surface.Failed {
		return nil, CloakOutput{}, fmt.Errorf("%s failed (%s): %s", variant.Name, snap.Error.Kind, snap.Error.Message)
	}

	result := c.Result()
	if outPath == "" {
		outPath = defaultOutputPath(imagePath)
	}
	if err := os.WriteFile(outPath, result.CloakedImage.Data, 0o644); err != nil {
		return nil, CloakOutput{}, fmt.Errorf("write %s: %w", outPath, err)
	}
	log.Info().
		Str("tool", variant.Name+"_cloak").
		Str("source", imagePath).
		Str("output", outPath).
		Msg("Cloaked image written")

	out := CloakOutput{
		OutputPath:          outPath,
		Width:               result.CloakedImage.Width,
		Height:              result.CloakedImage.Height,
		OriginalPredictions: result.OriginalPredictions,
		CloakedPredictions:  result.CloakedPredictions,
		Metrics:             plainMetrics(result.Metrics),
	}

	var report strings.Builder
	fmt.Fprintf(&report, "Cloaked image written to %s\n\n", outPath)
	cli.RenderResult(&report, result)

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: report.String()},
			&mcp.ImageContent{Data: result.CloakedImage.Data, MIMEType: result.CloakedImage.MIMEType},
		},
	}, out, nil
}

func selectFile(sel func(filehandler.Upload) error, path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %q", path)
	}
	u, err := filehandler.LoadImageFile(path)
	if err != nil {
		return err
	}
	return sel(u)
}

// defaultOutputPath puts the result next to the source: a/b/cat.jpg becomes
// a/b/cat_cloaked.png.
func defaultOutputPath(source string) string {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return filepath.Join(filepath.Dir(source), base+"_cloaked.png")
}

func plainMetrics(m map[string]cloak.MetricValue) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if f, ok := v.Float(); ok {
			out[k] = f
		} else if b, ok := v.Flag(); ok {
			out[k] = b
		}
	}
	return out
}
