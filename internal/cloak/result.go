package cloak

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Prediction is one ranked class from the service's classifier.
type Prediction struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Percent formats the probability as "xx.x%".
func (p Prediction) Percent() string {
	return strconv.FormatFloat(p.Probability*100, 'f', 1, 64) + "%"
}

// BarWidth is the rendered bar length in percent, never below 2 so that
// near-zero classes stay visible.
func (p Prediction) BarWidth() float64 {
	return math.Max(2, math.Min(100, p.Probability*100))
}

// MetricValue is a whitelisted metric reported by the service. Metrics are
// either numeric or boolean; the two are kept apart so a reported false is
// never confused with 0.
type MetricValue struct {
	number float64
	flag   bool
	isBool bool
}

// Number wraps a numeric metric.
func Number(v float64) MetricValue { return MetricValue{number: v} }

// Bool wraps a boolean metric.
func Bool(v bool) MetricValue { return MetricValue{flag: v, isBool: true} }

// IsBool reports whether the metric is boolean.
func (m MetricValue) IsBool() bool { return m.isBool }

// Float returns the numeric value; ok is false for boolean metrics.
func (m MetricValue) Float() (v float64, ok bool) {
	if m.isBool {
		return 0, false
	}
	return m.number, true
}

// Flag returns the boolean value; ok is false for numeric metrics.
func (m MetricValue) Flag() (v bool, ok bool) {
	if !m.isBool {
		return false, false
	}
	return m.flag, true
}

// MarshalJSON emits the metric as a bare JSON number or boolean.
func (m MetricValue) MarshalJSON() ([]byte, error) {
	if m.isBool {
		return json.Marshal(m.flag)
	}
	return json.Marshal(m.number)
}

// UnmarshalJSON accepts a bare JSON number or boolean.
func (m *MetricValue) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	mv, ok := metricFromAny(v)
	if !ok {
		return fmt.Errorf("metric must be a number or boolean, got %s", string(b))
	}
	*m = mv
	return nil
}

func (m MetricValue) String() string {
	if m.isBool {
		return strconv.FormatBool(m.flag)
	}
	return strconv.FormatFloat(m.number, 'g', -1, 64)
}

// CloakedImage is the decoded primary image of a response.
type CloakedImage struct {
	MIMEType string `json:"mimeType"`
	Format   string `json:"format"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Data     []byte `json:"-"`
	DataURL  string `json:"dataUrl"`
}

// TransformResult is what the response interpreter extracts from a payload.
type TransformResult struct {
	CloakedImage        CloakedImage           `json:"cloakedImage"`
	OriginalPredictions []Prediction           `json:"originalPredictions"`
	CloakedPredictions  []Prediction           `json:"cloakedPredictions"`
	Metrics             map[string]MetricValue `json:"metrics"`
	Raw                 map[string]any         `json:"raw"`
}

// Metric looks up a metric; ok is false when the service omitted it.
func (r *TransformResult) Metric(key string) (MetricValue, bool) {
	v, ok := r.Metrics[key]
	return v, ok
}

// AttackSuccess returns the attack_success flag when the service reported one.
func (r *TransformResult) AttackSuccess() (success bool, reported bool) {
	v, ok := r.Metrics[MetricAttackSuccess]
	if !ok {
		return false, false
	}
	return v.Flag()
}

// HasPredictions reports whether either prediction list is non-empty.
func (r *TransformResult) HasPredictions() bool {
	return len(r.OriginalPredictions) > 0 || len(r.CloakedPredictions) > 0
}
