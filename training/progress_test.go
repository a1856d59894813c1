package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressBarString(t *testing.T) {
	var out bytes.Buffer
	pb := NewProgressBar(&out, "Training", 10)
	pb.Update(5)
	pb.SetPostfix(map[string]float64{"valid_loss": 0.5, "train_loss": 1.25})

	s := pb.String()
	for _, want := range []string{"Training:", " 50%", "5/10", "train_loss=1.250, valid_loss=0.500"} {
		if !strings.Contains(s, want) {
			t.Errorf("Expected %q in %q", want, s)
		}
	}
	if strings.Count(s, "█") != 20 {
		t.Errorf("Expected half of the bar filled, got %q", s)
	}

	pb.Increment()
	pb.Finish()
	if !strings.HasSuffix(out.String(), "\n") || !strings.Contains(out.String(), "6/10") {
		t.Errorf("Unexpected output %q", out.String())
	}
}

func TestProgressBarNil(t *testing.T) {
	pb := NewProgressBar(nil, "Training", 10)
	if pb != nil {
		t.Fatal("Expected nil bar without an output")
	}
	pb.Update(1)
	pb.Increment()
	pb.SetPostfix(map[string]float64{"loss": 1})
	pb.Finish()
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{61 * time.Second, "01:01"},
		{75 * time.Minute, "75:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
