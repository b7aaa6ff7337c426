package cloak

import (
	"math"
	"strconv"
	"strings"
)

// Metric keys reported by the personal-image endpoint.
const (
	MetricAdvVsOrigNormRatio        = "adv_vs_orig_norm_ratio"
	MetricAttackSuccess             = "attack_success"
	MetricCosineSimilarityAfter     = "cosine_similarity_after"
	MetricCosineSimilarityBefore    = "cosine_similarity_before"
	MetricEffectiveCloakingScore    = "effective_cloaking_score"
	MetricEmbeddingDistance         = "embedding_distance_original_vs_adv"
	MetricEmbeddingMovedNorm        = "embedding_moved_norm"
	MetricEmbeddingMovementPerPixel = "embedding_movement_per_pixel"
	MetricNormalizedDistance        = "normalized_distance"
	MetricPercentChangeInDistance   = "percent_change_in_distance"
	MetricSimilarityDrop            = "similarity_drop"
	MetricPushTowardTarget          = "push_toward_target"
	MetricTargetPushStrength        = "target_push_strength"
	MetricTargetSimilarityAfter     = "target_similarity_after"
	MetricTargetSimilarityBefore    = "target_similarity_before"
)

// MetricKeys is the whitelist, in display order. Keys outside it are never
// copied into TransformResult.Metrics.
var MetricKeys = []string{
	MetricAdvVsOrigNormRatio,
	MetricAttackSuccess,
	MetricCosineSimilarityAfter,
	MetricCosineSimilarityBefore,
	MetricEffectiveCloakingScore,
	MetricEmbeddingDistance,
	MetricEmbeddingMovedNorm,
	MetricEmbeddingMovementPerPixel,
	MetricNormalizedDistance,
	MetricPercentChangeInDistance,
	MetricSimilarityDrop,
	// targeted only
	MetricPushTowardTarget,
	MetricTargetPushStrength,
	MetricTargetSimilarityAfter,
	MetricTargetSimilarityBefore,
}

var metricWhitelist = func() map[string]bool {
	m := make(map[string]bool, len(MetricKeys))
	for _, k := range MetricKeys {
		m[k] = true
	}
	return m
}()

// IsWhitelistedMetric reports whether key is one of MetricKeys.
func IsWhitelistedMetric(key string) bool {
	return metricWhitelist[key]
}

// MetricRow is a display-ready metric.
type MetricRow struct {
	Key   string      `json:"key"`
	Label string      `json:"label"`
	Value MetricValue `json:"value"`
	Text  string      `json:"text"`
	// Bar is the gauge fill in percent, nil for metrics without a gauge.
	Bar *float64 `json:"bar,omitempty"`
}

// MetricRows returns the dashboard rows for metrics in whitelist order.
// attack_success is left out; it is shown as a badge (see AttackSuccess).
func MetricRows(metrics map[string]MetricValue) []MetricRow {
	rows := make([]MetricRow, 0, len(metrics))
	for _, key := range MetricKeys {
		v, ok := metrics[key]
		if !ok || key == MetricAttackSuccess {
			continue
		}
		rows = append(rows, MetricRow{
			Key:   key,
			Label: HumanizeMetricKey(key),
			Value: v,
			Text:  FormatMetric(key, v),
			Bar:   metricBar(key, v),
		})
	}
	return rows
}

// HumanizeMetricKey turns "similarity_drop" into "Similarity Drop".
func HumanizeMetricKey(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// FormatMetric renders a metric value: percentages with two decimals, other
// numbers with four significant digits.
func FormatMetric(key string, v MetricValue) string {
	f, ok := v.Float()
	if !ok {
		return v.String()
	}
	if key == MetricPercentChangeInDistance {
		return strconv.FormatFloat(f, 'f', 2, 64) + "%"
	}
	return toPrecision(f, 4)
}

// AttackSuccessLabel is the badge text for the attack_success metric.
func AttackSuccessLabel(success bool) string {
	if success {
		return "Attack Success"
	}
	return "Attack Not Successful"
}

func metricBar(key string, v MetricValue) *float64 {
	isSimilarity := strings.Contains(key, "similarity") || strings.Contains(key, "drop")
	if !isSimilarity && key != MetricEffectiveCloakingScore {
		return nil
	}
	f, ok := v.Float()
	if !ok || math.IsNaN(f) {
		f = 0
	}
	scale := 100.0
	if key == MetricSimilarityDrop {
		// drops are small; stretch them so the gauge is readable
		scale = 800
	}
	bar := math.Min(100, math.Max(0, f*scale))
	return &bar
}

// toPrecision formats f with the given number of significant digits, keeping
// trailing zeros and switching to exponent form for very large or small values.
func toPrecision(f float64, digits int) string {
	if f == 0 {
		return strconv.FormatFloat(0, 'f', digits-1, 64)
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}

	e := strconv.FormatFloat(f, 'e', digits-1, 64)
	mantissa, expPart, _ := strings.Cut(e, "e")
	exp, err := strconv.Atoi(expPart)
	if err != nil {
		return e
	}

	if exp < -6 || exp >= digits {
		sign := "+"
		if exp < 0 {
			sign = "-"
			exp = -exp
		}
		return mantissa + "e" + sign + strconv.Itoa(exp)
	}
	return strconv.FormatFloat(f, 'f', digits-1-exp, 64)
}
