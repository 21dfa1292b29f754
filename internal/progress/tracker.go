package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status is a snapshot of the worker session
type Status struct {
	Processed       int64         `json:"processed"` // attempts finished, any outcome
	Succeeded       int64         `json:"succeeded"`
	Failed          int64         `json:"failed"`  // terminal failures
	Retried         int64         `json:"retried"` // failed attempts scheduled again
	Backlog         int64         `json:"backlog"` // pending tasks at last refresh
	StartTime       time.Time     `json:"start_time"`
	LastUpdateTime  time.Time     `json:"last_update_time"`
	CurrentRate     float64       `json:"current_rate"` // attempts/second over the last 5s
	AverageRate     float64       `json:"average_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}

// Tracker tracks worker session progress
type Tracker struct {
	mu            sync.RWMutex
	status        Status
	samples       []time.Time
	maxSamples    int
	totalDuration time.Duration
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			StartTime:      now,
			LastUpdateTime: now,
		},
		samples:    make([]time.Time, 0, 120),
		maxSamples: 120,
	}
}

// SetBacklog records how many tasks are waiting
func (t *Tracker) SetBacklog(pending int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Backlog = pending
}

// AddSuccess records a completed attempt
func (t *Tracker) AddSuccess(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Succeeded++
	t.record(d)
}

// AddFailed records a terminal failure
func (t *Tracker) AddFailed(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Failed++
	t.record(d)
}

// AddRetried records a failed attempt that will run again
func (t *Tracker) AddRetried(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Retried++
	t.record(d)
}

// record updates counters and rates (must be called with lock held)
func (t *Tracker) record(d time.Duration) {
	now := time.Now()

	t.status.Processed++
	t.totalDuration += d
	t.status.AverageDuration = t.totalDuration / time.Duration(t.status.Processed)

	t.samples = append(t.samples, now)
	if len(t.samples) > t.maxSamples {
		t.samples = t.samples[1:]
	}

	t.calculateCurrentRate(now)
	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageRate = float64(t.status.Processed) / elapsed.Seconds()
	}
	t.status.LastUpdateTime = now
}

// calculateCurrentRate derives attempts/second from the last five seconds
func (t *Tracker) calculateCurrentRate(now time.Time) {
	cutoff := now.Add(-5 * time.Second)
	var recent int
	var first time.Time
	for i := len(t.samples) - 1; i >= 0; i-- {
		if t.samples[i].Before(cutoff) {
			break
		}
		recent++
		first = t.samples[i]
	}

	if recent < 2 {
		t.status.CurrentRate = 0
		return
	}
	if window := now.Sub(first); window > 0 {
		t.status.CurrentRate = float64(recent) / window.Seconds()
	}
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// SuccessRate returns succeeded / (succeeded + failed) as a percentage
func (t *Tracker) SuccessRate() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	finished := t.status.Succeeded + t.status.Failed
	if finished == 0 {
		return 0
	}
	return float64(t.status.Succeeded) / float64(finished) * 100
}

// FormatRate formats a per-second rate
func FormatRate(perSecond float64) string {
	if perSecond >= 1 || perSecond == 0 {
		return fmt.Sprintf("%.1f tasks/s", perSecond)
	}
	return fmt.Sprintf("%.1f tasks/min", perSecond*60)
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
