package training

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Sink receives scalar values, e.g. for a dashboard. The trainer only
// writes to it on the coordinating worker.
type Sink interface {
	AddScalar(tag string, value float64, step int)
}

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	IterationTime        PlotType = "iteration_time"
)

// PlotData represents the universal JSON format for the sidecar plotting service
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter", "bar"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X interface{} `json:"x"`
	Y interface{} `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel  string `json:"x_axis_label"`
	YAxisLabel  string `json:"y_axis_label"`
	XAxisScale  string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale  string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend  bool   `json:"show_legend"`
	ShowGrid    bool   `json:"show_grid"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Interactive bool   `json:"interactive"`
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	data, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ScalarPoint is one recorded scalar value.
type ScalarPoint struct {
	Step  int
	Value float64
}

// ScalarCollector is an in-memory Sink keyed by tag.
type ScalarCollector struct {
	mu        sync.Mutex
	modelName string
	scalars   map[string][]ScalarPoint
}

// NewScalarCollector creates an empty collector.
func NewScalarCollector(modelName string) *ScalarCollector {
	return &ScalarCollector{
		modelName: modelName,
		scalars:   make(map[string][]ScalarPoint),
	}
}

// AddScalar records value at step under tag.
func (c *ScalarCollector) AddScalar(tag string, value float64, step int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scalars[tag] = append(c.scalars[tag], ScalarPoint{Step: step, Value: value})
}

// Scalars returns a copy of the points recorded under tag.
func (c *ScalarCollector) Scalars(tag string) []ScalarPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ScalarPoint(nil), c.scalars[tag]...)
}

// Tags returns the recorded tags in sorted order.
func (c *ScalarCollector) Tags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.scalars)
}

// Clear drops all recorded points.
func (c *ScalarCollector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scalars = make(map[string][]ScalarPoint)
}

// plotTypeFor groups tags of the form <name>/<axis>/<split>.
func plotTypeFor(tag string) PlotType {
	switch {
	case strings.HasPrefix(tag, "lr/"):
		return LearningRateSchedule
	case strings.HasPrefix(tag, "time/"):
		return IterationTime
	default:
		return TrainingCurves
	}
}

// Plots builds one plot per plot type from the iteration-axis tags, one
// line series per tag.
func (c *ScalarCollector) Plots() []PlotData {
	c.mu.Lock()
	defer c.mu.Unlock()

	byType := make(map[PlotType][]SeriesData)
	for _, tag := range sortedKeys(c.scalars) {
		if !strings.Contains(tag, "/iterations/") {
			continue
		}
		points := c.scalars[tag]
		series := SeriesData{Name: tag, Type: "line", Data: make([]DataPoint, len(points))}
		for i, p := range points {
			series.Data[i] = DataPoint{X: p.Step, Y: p.Value}
		}
		pt := plotTypeFor(tag)
		byType[pt] = append(byType[pt], series)
	}

	var plots []PlotData
	for _, pt := range []PlotType{TrainingCurves, LearningRateSchedule, IterationTime} {
		series, ok := byType[pt]
		if !ok {
			continue
		}
		plots = append(plots, PlotData{
			PlotType:  pt,
			Title:     fmt.Sprintf("%s - %s", strings.ReplaceAll(string(pt), "_", " "), c.modelName),
			Timestamp: time.Now(),
			ModelName: c.modelName,
			Series:    series,
			Config: PlotConfig{
				XAxisLabel:  "Iteration",
				YAxisLabel:  "Value",
				XAxisScale:  "linear",
				YAxisScale:  "linear",
				ShowLegend:  true,
				ShowGrid:    true,
				Width:       800,
				Height:      600,
				Interactive: true,
			},
		})
	}
	return plots
}
