package cloak

import (
	"encoding/json"
	"math"
	"testing"
)

func TestHumanizeMetricKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"similarity_drop", "Similarity Drop"},
		{"adv_vs_orig_norm_ratio", "Adv Vs Orig Norm Ratio"},
		{"embedding_distance_original_vs_adv", "Embedding Distance Original Vs Adv"},
		{"attack_success", "Attack Success"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := HumanizeMetricKey(tt.key); got != tt.want {
				t.Errorf("HumanizeMetricKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestFormatMetric(t *testing.T) {
	tests := []struct {
		name string
		key  string
		v    MetricValue
		want string
	}{
		{"percent", MetricPercentChangeInDistance, Number(12.3456), "12.35%"},
		{"percent zero", MetricPercentChangeInDistance, Number(0), "0.00%"},
		{"four significant digits", MetricCosineSimilarityAfter, Number(0.61), "0.6100"},
		{"rounds", MetricEmbeddingMovedNorm, Number(123.456), "123.5"},
		{"zero", MetricEffectiveCloakingScore, Number(0), "0.000"},
		{"integer part", MetricNormalizedDistance, Number(1.5), "1.500"},
		{"large switches to exponent", MetricEmbeddingDistance, Number(123456), "1.235e+5"},
		{"small stays fixed", MetricEmbeddingMovementPerPixel, Number(0.000001234), "0.000001234"},
		{"tiny switches to exponent", MetricEmbeddingMovementPerPixel, Number(0.00000001234), "1.234e-8"},
		{"boolean", MetricAttackSuccess, Bool(false), "false"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatMetric(tt.key, tt.v); got != tt.want {
				t.Errorf("FormatMetric(%s, %v) = %q, want %q", tt.key, tt.v, got, tt.want)
			}
		})
	}
}

func TestMetricBar(t *testing.T) {
	tests := []struct {
		key     string
		v       float64
		want    float64
		noGauge bool
	}{
		{key: MetricCosineSimilarityAfter, v: 0.61, want: 61},
		{key: MetricSimilarityDrop, v: 0.05, want: 40},
		{key: MetricSimilarityDrop, v: 0.2, want: 100},
		{key: MetricTargetSimilarityBefore, v: -0.3, want: 0},
		{key: MetricEffectiveCloakingScore, v: 1.5, want: 100},
		{key: MetricEmbeddingMovedNorm, v: 0.5, noGauge: true},
		{key: MetricAdvVsOrigNormRatio, v: 0.5, noGauge: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			bar := metricBar(tt.key, Number(tt.v))
			if tt.noGauge {
				if bar != nil {
					t.Errorf("expected no gauge for %s, got %v", tt.key, *bar)
				}
				return
			}
			if bar == nil {
				t.Fatalf("expected a gauge for %s", tt.key)
			}
			if math.Abs(*bar-tt.want) > 1e-9 {
				t.Errorf("bar(%s, %v) = %v, want %v", tt.key, tt.v, *bar, tt.want)
			}
		})
	}
}

func TestMetricRowsOrderAndBadge(t *testing.T) {
	metrics := map[string]MetricValue{
		MetricSimilarityDrop:         Number(0.1),
		MetricAttackSuccess:          Bool(true),
		MetricAdvVsOrigNormRatio:     Number(0.02),
		MetricTargetSimilarityBefore: Number(0.3),
	}

	rows := MetricRows(metrics)
	want := []string{MetricAdvVsOrigNormRatio, MetricSimilarityDrop, MetricTargetSimilarityBefore}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d: %+v", len(want), len(rows), rows)
	}
	for i, key := range want {
		if rows[i].Key != key {
			t.Errorf("row %d = %s, want %s", i, rows[i].Key, key)
		}
	}

	if got := AttackSuccessLabel(true); got != "Attack Success" {
		t.Errorf("AttackSuccessLabel(true) = %q", got)
	}
	if got := AttackSuccessLabel(false); got != "Attack Not Successful" {
		t.Errorf("AttackSuccessLabel(false) = %q", got)
	}
}

func TestMetricValueJSON(t *testing.T) {
	in := map[string]MetricValue{
		"a": Number(0.25),
		"b": Bool(false),
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(b) != `{"a":0.25,"b":false}` {
		t.Errorf("marshal = %s", b)
	}

	var out map[string]MetricValue
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if flag, ok := out["b"].Flag(); !ok || flag {
		t.Errorf("b = %v, want boolean false", out["b"])
	}

	var bad MetricValue
	if err := json.Unmarshal([]byte(`"high"`), &bad); err == nil {
		t.Error("expected error for string metric")
	}
}

func TestPredictionFormatting(t *testing.T) {
	tests := []struct {
		prob    float64
		percent string
		bar     float64
	}{
		{0.9, "90.0%", 90},
		{0.0004, "0.0%", 2},
		{1, "100.0%", 100},
		{0.1234, "12.3%", 12.34},
	}

	for _, tt := range tests {
		p := Prediction{Label: "cat", Probability: tt.prob}
		if got := p.Percent(); got != tt.percent {
			t.Errorf("Percent(%v) = %q, want %q", tt.prob, got, tt.percent)
		}
		if got := p.BarWidth(); math.Abs(got-tt.bar) > 1e-9 {
			t.Errorf("BarWidth(%v) = %v, want %v", tt.prob, got, tt.bar)
		}
	}
}
