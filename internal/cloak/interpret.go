package cloak

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strconv"

	_ "golang.org/x/image/webp"
)

// Payload field names used by the cloaking service.
const (
	FieldCloakedImage        = "cloaked_image"
	FieldResponse            = "response"
	FieldOriginalPredictions = "original_top_predictions"
	FieldCloakedPredictions  = "cloaked_top_predictions"
	fieldClass               = "class"
	fieldProb                = "prob"
)

// InterpretJSON decodes body and runs Interpret on it.
func InterpretJSON(body []byte) (*TransformResult, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, Interpretation("response is not a JSON object", err)
	}
	if payload == nil {
		return nil, Interpretation("response is empty", nil)
	}
	return Interpret(payload)
}

// Interpret extracts a TransformResult from a decoded service payload.
//
// Deployments disagree on shape: some nest the fields under "response", some
// put them at the top level. The nested object is used when it is present and
// is an object. Only the primary image is mandatory; predictions and metrics
// that are missing or malformed come back empty or absent. Interpret does not
// modify payload, so running it twice yields equal results.
func Interpret(payload map[string]any) (*TransformResult, error) {
	if payload == nil {
		return nil, Interpretation("response is empty", nil)
	}
	root := EffectiveRoot(payload)

	img, err := decodeCloakedImage(payload, root)
	if err != nil {
		return nil, err
	}

	return &TransformResult{
		CloakedImage:        *img,
		OriginalPredictions: predictionsFrom(root[FieldOriginalPredictions]),
		CloakedPredictions:  predictionsFrom(root[FieldCloakedPredictions]),
		Metrics:             metricsFrom(root),
		Raw:                 rawFrom(root),
	}, nil
}

// EffectiveRoot returns the object that actually carries the named fields.
func EffectiveRoot(payload map[string]any) map[string]any {
	if nested, ok := payload[FieldResponse].(map[string]any); ok && nested != nil {
		return nested
	}
	return payload
}

func decodeCloakedImage(payload, root map[string]any) (*CloakedImage, error) {
	raw, ok := payload[FieldCloakedImage].(string)
	if !ok {
		raw, ok = root[FieldCloakedImage].(string)
	}
	if !ok || raw == "" {
		return nil, Interpretation("response has no cloaked_image", nil)
	}

	data, mimeType, err := DecodeBase64Image(raw)
	if err != nil {
		return nil, Interpretation("cloaked_image is not valid base64", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, Interpretation("cloaked_image is not a decodable image", err)
	}

	if format != "" && mimeType == DefaultImageMIME && format != "png" {
		mimeType = "image/" + format
	}

	return &CloakedImage{
		MIMEType: mimeType,
		Format:   format,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Data:     data,
		DataURL:  EncodeDataURL(mimeType, data),
	}, nil
}

// predictionsFrom keeps the service's ranking. Entries that are not objects
// are skipped; a missing class or probability degrades to "" or 0.
func predictionsFrom(v any) []Prediction {
	items, ok := v.([]any)
	if !ok {
		return []Prediction{}
	}
	preds := make([]Prediction, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		label, _ := entry[fieldClass].(string)
		prob, _ := numberFrom(entry[fieldProb])
		preds = append(preds, Prediction{
			Label:       label,
			Probability: clampUnit(prob),
		})
	}
	return preds
}

func metricsFrom(root map[string]any) map[string]MetricValue {
	metrics := make(map[string]MetricValue)
	for _, key := range MetricKeys {
		v, present := root[key]
		if !present {
			continue
		}
		if mv, ok := metricFromAny(v); ok {
			metrics[key] = mv
		}
	}
	return metrics
}

func rawFrom(root map[string]any) map[string]any {
	raw := make(map[string]any, len(root))
	for k, v := range root {
		if k == FieldCloakedImage {
			continue
		}
		raw[k] = v
	}
	return raw
}

func metricFromAny(v any) (MetricValue, bool) {
	if b, ok := v.(bool); ok {
		return Bool(b), true
	}
	if f, ok := numberFrom(v); ok {
		return Number(f), true
	}
	return MetricValue{}, false
}

func numberFrom(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func clampUnit(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Min(1, math.Max(0, f))
}

// String summarises the result for logs.
func (r *TransformResult) String() string {
	return fmt.Sprintf("cloaked %dx%d %s, %d/%d predictions, %d metrics",
		r.CloakedImage.Width, r.CloakedImage.Height, r.CloakedImage.Format,
		len(r.OriginalPredictions), len(r.CloakedPredictions), len(r.Metrics))
}
