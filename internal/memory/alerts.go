package memory

import (
	"fmt"
	"time"
)

// Alert is emitted when pressure crosses upward into a level, or when swap
// usage crosses its threshold.
type Alert struct {
	Level          Level     `json:"level"`
	Kind           string    `json:"kind"`
	Message        string    `json:"message"`
	Recommendation string    `json:"recommendation,omitempty"`
	ActionRequired bool      `json:"action_required"`
	UsedPercent    float64   `json:"used_percent"`
	Time           time.Time `json:"time"`
}

const (
	AlertKindMemory = "memory"
	AlertKindSwap   = "swap"
)

func recommendation(kind string, l Level) string {
	if kind == AlertKindSwap {
		return "swap in use; reduce loaded modules to avoid thrashing"
	}
	switch l {
	case LevelMedium:
		return "watch usage; idle modules unload on their strategy timeout"
	case LevelHigh:
		return "idle timeouts are halved; consider the aggressive strategy or unloading unused modules"
	case LevelCritical:
		return "modules idle past the critical timeout are being unloaded; unpin non-essential modules"
	}
	return ""
}

// alertsFor returns the alerts a transition from prev to cur should raise,
// before cooldown filtering.
func alertsFor(prev, cur Sample, hasPrev, suggestions bool) []Alert {
	var out []Alert
	prevLevel := LevelLow
	if hasPrev {
		prevLevel = prev.Level
	}
	if cur.Level > prevLevel && cur.Level > LevelLow {
		a := Alert{
			Level:          cur.Level,
			Kind:           AlertKindMemory,
			Message:        fmt.Sprintf("memory pressure %s: %.1f%% used", cur.Level, cur.UsedPercent),
			ActionRequired: cur.Level >= LevelHigh,
			UsedPercent:    cur.UsedPercent,
			Time:           cur.Time,
		}
		if suggestions {
			a.Recommendation = recommendation(a.Kind, a.Level)
		}
		out = append(out, a)
	}
	if cur.SwapHigh && (!hasPrev || !prev.SwapHigh) {
		a := Alert{
			Level:          cur.Level,
			Kind:           AlertKindSwap,
			Message:        fmt.Sprintf("swap usage high: %.1f%% used", cur.SwapPercent),
			ActionRequired: true,
			UsedPercent:    cur.UsedPercent,
			Time:           cur.Time,
		}
		if suggestions {
			a.Recommendation = recommendation(a.Kind, a.Level)
		}
		out = append(out, a)
	}
	return out
}

func cooldownKey(a Alert) string {
	if a.Kind == AlertKindSwap {
		return a.Kind
	}
	return a.Kind + ":" + a.Level.String()
}
