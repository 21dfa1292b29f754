package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Display periodically renders the tracker status to a writer
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDisplay creates a new progress display
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	if out == nil {
		out = os.Stdout
	}
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the display and waits for the final summary to be written
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(d.out, strings.Join(d.generateDisplay(d.tracker.GetStatus()), "\n"))
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(d.generateFinalDisplay(d.tracker.GetStatus()), "\n"))
			return
		}
	}
}

func (d *Display) generateDisplay(status Status) []string {
	lines := []string{
		"",
		"Worker progress",
		strings.Repeat("=", 51),
		fmt.Sprintf("Processed: %d  (backlog %d)", status.Processed, status.Backlog),
		fmt.Sprintf("  completed: %d", status.Succeeded),
		fmt.Sprintf("  retried:   %d", status.Retried),
		fmt.Sprintf("  failed:    %d", status.Failed),
		fmt.Sprintf("Success rate: %s", d.generateBar(d.tracker.SuccessRate(), 30)),
		fmt.Sprintf("Rate: %s now, %s average", FormatRate(status.CurrentRate), FormatRate(status.AverageRate)),
		fmt.Sprintf("Average attempt: %s", FormatDuration(status.AverageDuration)),
		fmt.Sprintf("Uptime: %s  (updated %s)", FormatDuration(time.Since(status.StartTime)),
			status.LastUpdateTime.Format("15:04:05")),
	}
	return lines
}

func (d *Display) generateFinalDisplay(status Status) []string {
	return []string{
		"",
		"Worker stopped",
		strings.Repeat("=", 51),
		fmt.Sprintf("Processed: %d", status.Processed),
		fmt.Sprintf("Completed: %d", status.Succeeded),
		fmt.Sprintf("Retried:   %d", status.Retried),
		fmt.Sprintf("Failed:    %d", status.Failed),
		fmt.Sprintf("Uptime:    %s", FormatDuration(time.Since(status.StartTime))),
		"",
	}
}

func (d *Display) generateBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)
	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported reports whether stdout is a character device
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}
