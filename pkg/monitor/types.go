package monitor

import (
	"fmt"
	"time"
)

// Stats summarizes a set of successful samples.
type Stats struct {
	AvgDuration time.Duration `json:"avg_duration"`
	P50Duration time.Duration `json:"p50_duration"`
	P95Duration time.Duration `json:"p95_duration"`
	P99Duration time.Duration `json:"p99_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	AvgMemory   int64         `json:"avg_memory"`
	MaxMemory   int64         `json:"max_memory"`
}

// Baseline is the regression reference for one component.
type Baseline struct {
	Component     string    `json:"component"`
	SampleCount   int       `json:"sample_count"`
	SuccessRate   float64   `json:"success_rate"`
	EstablishedAt time.Time `json:"established_at"`
	Stats
}

// Requirements are caller thresholds. Zero fields are not checked.
// Durations and memory are upper bounds; MinSuccessRate is a lower bound.
type Requirements struct {
	MaxAvgDuration time.Duration `yaml:"max_avg_duration" json:"max_avg_duration,omitempty"`
	MaxP95Duration time.Duration `yaml:"max_p95_duration" json:"max_p95_duration,omitempty"`
	MaxP99Duration time.Duration `yaml:"max_p99_duration" json:"max_p99_duration,omitempty"`
	MaxAvgMemory   int64         `yaml:"max_avg_memory" json:"max_avg_memory,omitempty"`
	MinSuccessRate float64       `yaml:"min_success_rate" json:"min_success_rate,omitempty" validate:"gte=0,lte=1"`
}

func (r Requirements) check(cur Stats, rate float64) []string {
	var out []string
	overDuration := func(label string, got, limit time.Duration) {
		if limit > 0 && got > limit {
			out = append(out, fmt.Sprintf("%s %s exceeds %s", label, got, limit))
		}
	}
	overDuration("avg duration", cur.AvgDuration, r.MaxAvgDuration)
	overDuration("p95 duration", cur.P95Duration, r.MaxP95Duration)
	overDuration("p99 duration", cur.P99Duration, r.MaxP99Duration)
	if r.MaxAvgMemory > 0 && cur.AvgMemory > r.MaxAvgMemory {
		out = append(out, fmt.Sprintf("avg memory %d exceeds %d bytes", cur.AvgMemory, r.MaxAvgMemory))
	}
	if r.MinSuccessRate > 0 && rate < r.MinSuccessRate {
		out = append(out, fmt.Sprintf("success rate %.3f below %.3f", rate, r.MinSuccessRate))
	}
	return out
}

// Verdict is the outcome of a validation.
type Verdict string

const (
	VerdictPass     Verdict = "pass"
	VerdictDegraded Verdict = "degraded"
	VerdictFail     Verdict = "fail"
)

func (v Verdict) score() float64 {
	switch v {
	case VerdictPass:
		return 0
	case VerdictDegraded:
		return 1
	}
	return 2
}

// Validation is the result of ValidateAgainstBaseline.
type Validation struct {
	Component   string   `json:"component"`
	Verdict     Verdict  `json:"verdict"`
	Baseline    Baseline `json:"baseline"`
	Current     Stats    `json:"current"`
	SuccessRate float64  `json:"success_rate"`
	Samples     int      `json:"samples"`
	Violations  []string `json:"violations,omitempty"`
}
