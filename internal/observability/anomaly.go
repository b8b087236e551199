package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/warden/internal/config"
)

const (
	defaultAnomalyWindow     = 300 * time.Second
	defaultAnomalyMinSamples = 5
)

// AnomalyDetector warns when the share of denied commands for a program
// exceeds a threshold within a sliding window. A burst of denials usually
// means a caller is probing the policy.
type AnomalyDetector struct {
	mu         sync.Mutex
	programs   map[string]*slidingWindow
	threshold  float64
	minSamples int
	window     time.Duration
	logger     *slog.Logger

	// alerted suppresses repeat warnings until the rate drops back below
	// the threshold.
	alerted map[string]bool
}

type slidingWindow struct {
	entries []windowEntry
}

type windowEntry struct {
	at     time.Time
	denied bool
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	a := &AnomalyDetector{
		programs:   make(map[string]*slidingWindow),
		alerted:    make(map[string]bool),
		threshold:  cfg.DenialRateThreshold,
		minSamples: cfg.MinSamples,
		window:     time.Duration(cfg.WindowSeconds) * time.Second,
		logger:     logger,
	}
	if a.minSamples <= 0 {
		a.minSamples = defaultAnomalyMinSamples
	}
	if a.window <= 0 {
		a.window = defaultAnomalyWindow
	}
	return a
}

// Record adds one outcome for program and reports whether the denial rate
// is now above the threshold.
func (a *AnomalyDetector) Record(program string, denied bool) bool {
	if a == nil {
		return false
	}
	return a.recordAt(program, denied, time.Now())
}

func (a *AnomalyDetector) recordAt(program string, denied bool, now time.Time) bool {
	if program == "" {
		program = "unknown"
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.programs[program]
	if !ok {
		w = &slidingWindow{}
		a.programs[program] = w
	}
	w.entries = append(w.entries, windowEntry{at: now, denied: denied})
	w.prune(now.Add(-a.window))

	total := len(w.entries)
	if total < a.minSamples || a.threshold <= 0 {
		return false
	}
	denials := w.denials()
	rate := float64(denials) / float64(total)
	if rate <= a.threshold {
		a.alerted[program] = false
		return false
	}
	if !a.alerted[program] && a.logger != nil {
		a.logger.Warn("anomaly detected: high denial rate",
			slog.String("program", program),
			slog.Float64("denial_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("denials", denials),
			slog.Int("total", total),
		)
	}
	a.alerted[program] = true
	return true
}

func (w *slidingWindow) denials() int {
	n := 0
	for _, e := range w.entries {
		if e.denied {
			n++
		}
	}
	return n
}

// prune removes entries recorded before cutoff.
func (w *slidingWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
