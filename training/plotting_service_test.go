package training

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestScalarCollectorPlots(t *testing.T) {
	c := NewScalarCollector("regression")
	c.AddScalar("loss/iterations/train", 1.0, 2)
	c.AddScalar("loss/iterations/train", 0.5, 4)
	c.AddScalar("loss/samples/train", 0.5, 64)
	c.AddScalar("lr/iterations/param_group_0", 0.1, 2)
	c.AddScalar("time/iterations/per_iter", 0.01, 2)
	c.AddScalar("loss/iterations/valid", 0.7, 3)

	plots := c.Plots()
	if len(plots) != 3 {
		t.Fatalf("Expected 3 plots, got %d", len(plots))
	}
	want := []struct {
		typ    PlotType
		series []string
	}{
		{TrainingCurves, []string{"loss/iterations/train", "loss/iterations/valid"}},
		{LearningRateSchedule, []string{"lr/iterations/param_group_0"}},
		{IterationTime, []string{"time/iterations/per_iter"}},
	}
	for i, w := range want {
		p := plots[i]
		if p.PlotType != w.typ || p.ModelName != "regression" {
			t.Errorf("Plot %d: expected %s for regression, got %s for %s", i, w.typ, p.PlotType, p.ModelName)
		}
		if len(p.Series) != len(w.series) {
			t.Fatalf("Plot %d: expected %d series, got %d", i, len(w.series), len(p.Series))
		}
		for j, name := range w.series {
			if p.Series[j].Name != name {
				t.Errorf("Plot %d series %d: expected %s, got %s", i, j, name, p.Series[j].Name)
			}
		}
	}
	if pts := plots[0].Series[0].Data; len(pts) != 2 || pts[1].X != 4 || pts[1].Y != 0.5 {
		t.Errorf("Unexpected points %v", pts)
	}

	if len(c.Tags()) != 5 {
		t.Errorf("Expected 5 tags, got %v", c.Tags())
	}
	c.Clear()
	if len(c.Plots()) != 0 {
		t.Error("Expected no plots after Clear")
	}
}

func TestHTTPSinkFlush(t *testing.T) {
	var (
		calls    atomic.Int32
		received []PlotData
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/batch-plot":
			if r.Method != http.MethodPost {
				t.Errorf("Expected POST, got %s", r.Method)
			}
			// the first attempt fails to exercise the retry
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(PlottingResponse{Success: false, Message: "busy"})
				return
			}
			var body struct {
				Plots []PlotData `json:"plots"`
				Batch bool       `json:"batch"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("Decoding request: %v", err)
			}
			if !body.Batch {
				t.Error("Expected batch request")
			}
			received = body.Plots
			json.NewEncoder(w).Encode(PlottingResponse{Success: true, BatchID: "b1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	config := DefaultHTTPSinkConfig()
	config.BaseURL = server.URL
	config.ModelName = "regression"
	config.RetryDelay = time.Millisecond
	sink := NewHTTPSink(config)
	ctx := context.Background()

	if err := sink.CheckHealth(ctx); err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if err := sink.Flush(ctx); err != nil || calls.Load() != 0 {
		t.Fatalf("Expected empty flush to send nothing, got %v after %d calls", err, calls.Load())
	}

	sink.AddScalar("loss/iterations/train", 0.9, 10)
	sink.AddScalar("lr/iterations/param_group_0", 0.1, 10)
	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected one retry, got %d calls", calls.Load())
	}
	if len(received) != 2 || received[0].PlotType != TrainingCurves || received[1].PlotType != LearningRateSchedule {
		t.Errorf("Unexpected plots %+v", received)
	}
	if len(sink.collector.Tags()) != 0 {
		t.Error("Expected buffer to be cleared after a successful flush")
	}
}

func TestHTTPSinkGivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(PlottingResponse{Message: "down"})
	}))
	defer server.Close()

	sink := NewHTTPSink(HTTPSinkConfig{BaseURL: server.URL, Timeout: time.Second, RetryAttempts: 2, RetryDelay: time.Millisecond})
	sink.AddScalar("loss/iterations/train", 1, 1)

	if err := sink.CheckHealth(context.Background()); err == nil {
		t.Error("Expected health check to fail")
	}
	if err := sink.Flush(context.Background()); err == nil {
		t.Fatal("Expected flush to fail")
	}
	if len(sink.collector.Tags()) != 1 {
		t.Error("Expected buffered scalars to be kept after a failed flush")
	}
}
