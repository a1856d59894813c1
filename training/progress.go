package training

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ProgressBar provides tqdm-style progress rendering on the coordinating
// worker. A nil *ProgressBar is a no-op.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	postfix     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out. It returns nil
// when out is nil.
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	if out == nil {
		return nil
	}
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		postfix:     make(map[string]float64),
	}
}

// Update moves the bar to step
func (pb *ProgressBar) Update(step int) {
	if pb == nil {
		return
	}
	pb.current = step
	pb.render()
}

// Increment advances the bar by one
func (pb *ProgressBar) Increment() {
	if pb == nil {
		return
	}
	pb.Update(pb.current + 1)
}

// SetPostfix replaces the values shown after the bar
func (pb *ProgressBar) SetPostfix(values map[string]float64) {
	if pb == nil {
		return
	}
	pb.postfix = values
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb == nil {
		return
	}
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.String())
}

// String formats the current line.
func (pb *ProgressBar) String() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		fmt.Fprintf(&sb, " [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		fmt.Fprintf(&sb, " [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		fmt.Fprintf(&sb, ", %.2fit/s", rate)
	}
	for _, key := range sortedKeys(pb.postfix) {
		fmt.Fprintf(&sb, ", %s=%.3f", key, pb.postfix[key])
	}
	sb.WriteString("]")
	return sb.String()
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
