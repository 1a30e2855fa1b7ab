package ui

import (
	"sync"
	"time"
)

// ProgressTracker turns progress events into rates and an ETA.
// It is safe for concurrent use.
type ProgressTracker struct {
	mu        sync.RWMutex
	last      ProgressEvent
	startTime time.Time
	errors    int
	warnings  int

	lastETA       time.Duration
	lastCurrent   int
	lastSpeedCalc time.Time
	currentSpeed  float64
	avgSpeed      float64
	peakSpeed     float64
	speedSamples  int

	now func() time.Time
}

// SpeedStats contains speed metrics for display.
type SpeedStats struct {
	Current float64 // files/sec
	Avg     float64
	Peak    float64
}

// ProgressStats contains a snapshot of current progress.
type ProgressStats struct {
	Event      ProgressEvent
	Progress   float64
	ETA        time.Duration
	Elapsed    time.Duration
	ErrorCount int
	WarnCount  int
	Speed      SpeedStats
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker() *ProgressTracker {
	return newProgressTracker(time.Now)
}

func newProgressTracker(now func() time.Time) *ProgressTracker {
	start := now()
	return &ProgressTracker{startTime: start, lastSpeedCalc: start, now: now}
}

// Update records a progress event.
func (p *ProgressTracker) Update(event ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = event

	// Sampled at most twice a second to avoid noise.
	now := p.now()
	elapsed := now.Sub(p.lastSpeedCalc)
	if elapsed < 500*time.Millisecond {
		return
	}
	if delta := event.Current - p.lastCurrent; delta > 0 {
		speed := float64(delta) / elapsed.Seconds()
		p.currentSpeed = speed
		p.speedSamples++
		if p.speedSamples == 1 {
			p.avgSpeed = speed
		} else {
			p.avgSpeed = 0.2*speed + 0.8*p.avgSpeed
		}
		if speed > p.peakSpeed {
			p.peakSpeed = speed
		}
	}
	p.lastCurrent = event.Current
	p.lastSpeedCalc = now
}

// AddError counts an error or warning.
func (p *ProgressTracker) AddError(event ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event.IsWarn {
		p.warnings++
	} else {
		p.errors++
	}
}

// Stats returns a snapshot.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := ProgressStats{
		Event:      p.last,
		Elapsed:    p.now().Sub(p.startTime),
		ErrorCount: p.errors,
		WarnCount:  p.warnings,
		Speed: SpeedStats{
			Current: p.currentSpeed,
			Avg:     p.avgSpeed,
			Peak:    p.peakSpeed,
		},
	}
	if p.last.Total > 0 {
		stats.Progress = float64(p.last.Current) / float64(p.last.Total)
		if stats.Progress > 1 {
			stats.Progress = 1
		}
	}
	stats.ETA = p.calculateETA(stats.Elapsed)
	return stats
}

// calculateETA extrapolates from the overall rate, smoothed so that one
// slow batch does not make the estimate jump.
func (p *ProgressTracker) calculateETA(elapsed time.Duration) time.Duration {
	if p.last.Current <= 0 || p.last.Total <= 0 || p.last.Current >= p.last.Total {
		return 0
	}
	rate := float64(p.last.Current) / elapsed.Seconds()
	if rate <= 0 {
		return 0
	}
	eta := time.Duration(float64(p.last.Total-p.last.Current) / rate * float64(time.Second))
	if p.lastETA > 0 {
		eta = time.Duration(0.3*float64(eta) + 0.7*float64(p.lastETA))
	}
	p.lastETA = eta
	return eta
}
