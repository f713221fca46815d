// Package tracefile provides a way to save opencensus spans to disk instead of sending them over
// the network.
package tracefile

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"go.opencensus.io/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Exporter satisfies [trace.Exporter] and appends every span it receives to a rotating file as
// one JSON object per line.
type Exporter struct {
	mu     sync.Mutex
	logger *lumberjack.Logger
	enc    *json.Encoder
	err    error
}

var _ trace.Exporter = (*Exporter)(nil)

// NewExporter creates a new [Exporter] writing to filename under dirPath.
func NewExporter(dirPath, filename string) *Exporter {
	logger := &lumberjack.Logger{
		Filename:   filepath.Join(dirPath, filename),
		MaxSize:    64,
		MaxBackups: 2,
		Compress:   true,
	}
	return &Exporter{logger: logger, enc: json.NewEncoder(logger)}
}

type spanRecord struct {
	Name          string                 `json:"name"`
	TraceID       string                 `json:"trace_id"`
	SpanID        string                 `json:"span_id"`
	ParentSpanID  string                 `json:"parent_span_id,omitempty"`
	Start         time.Time              `json:"start"`
	DurationMs    float64                `json:"duration_ms"`
	StatusCode    int32                  `json:"status_code,omitempty"`
	StatusMessage string                 `json:"status_message,omitempty"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
}

// ExportSpan implements [trace.Exporter]. Write failures are kept and reported by Err.
func (e *Exporter) ExportSpan(sd *trace.SpanData) {
	rec := spanRecord{
		Name:          sd.Name,
		TraceID:       sd.TraceID.String(),
		SpanID:        sd.SpanID.String(),
		Start:         sd.StartTime,
		DurationMs:    float64(sd.EndTime.Sub(sd.StartTime)) / float64(time.Millisecond),
		StatusCode:    sd.Code,
		StatusMessage: sd.Message,
		Attributes:    sd.Attributes,
	}
	if sd.ParentSpanID != (trace.SpanID{}) {
		rec.ParentSpanID = sd.ParentSpanID.String()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(rec); err != nil && e.err == nil {
		e.err = err
	}
}

// Err returns the first write error, if any.
func (e *Exporter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Close closes the underlying file.
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logger.Close()
}
