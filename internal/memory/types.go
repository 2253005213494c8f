// Package memory samples system memory, classifies pressure, and derives
// trend and leak signals from the retained history.
package memory

import (
	"fmt"
	"strings"
	"time"
)

// Level is a coarse classification of memory headroom.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "LOW"
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	p, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = p
	return nil
}

// ParseLevel accepts the level names case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return LevelLow, nil
	case "MEDIUM":
		return LevelMedium, nil
	case "HIGH":
		return LevelHigh, nil
	case "CRITICAL":
		return LevelCritical, nil
	}
	return LevelLow, fmt.Errorf("unknown pressure level %q", s)
}

// Stats is a raw reading from a Source, in bytes.
type Stats struct {
	Total     uint64
	Available uint64
	SwapTotal uint64
	SwapFree  uint64
}

// Sample is one classified reading.
type Sample struct {
	Time        time.Time `json:"time"`
	Total       uint64    `json:"total_bytes"`
	Available   uint64    `json:"available_bytes"`
	Used        uint64    `json:"used_bytes"`
	SwapTotal   uint64    `json:"swap_total_bytes"`
	SwapUsed    uint64    `json:"swap_used_bytes"`
	UsedPercent float64   `json:"used_percent"`
	SwapPercent float64   `json:"swap_percent"`
	Level       Level     `json:"level"`
	// SwapHigh is the independent swap-usage signal.
	SwapHigh bool `json:"swap_high"`
}

// Thresholds are used-memory percentages at which each level begins.
type Thresholds struct {
	Medium   float64
	High     float64
	Critical float64
	Swap     float64
}

// DefaultThresholds matches the config defaults.
var DefaultThresholds = Thresholds{Medium: 50, High: 70, Critical: 85, Swap: 50}

// Classify maps a used percentage onto a Level.
func (t Thresholds) Classify(usedPercent float64) Level {
	switch {
	case usedPercent >= t.Critical:
		return LevelCritical
	case usedPercent >= t.High:
		return LevelHigh
	case usedPercent >= t.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// NewSample derives a classified Sample from raw stats.
func NewSample(ts time.Time, st Stats, th Thresholds) Sample {
	s := Sample{Time: ts, Total: st.Total, Available: st.Available, SwapTotal: st.SwapTotal}
	if st.Available <= st.Total {
		s.Used = st.Total - st.Available
	}
	if st.SwapFree <= st.SwapTotal {
		s.SwapUsed = st.SwapTotal - st.SwapFree
	}
	if s.Total > 0 {
		s.UsedPercent = float64(s.Used) / float64(s.Total) * 100
	}
	if s.SwapTotal > 0 {
		s.SwapPercent = float64(s.SwapUsed) / float64(s.SwapTotal) * 100
		s.SwapHigh = s.SwapPercent >= th.Swap
	}
	s.Level = th.Classify(s.UsedPercent)
	return s
}
