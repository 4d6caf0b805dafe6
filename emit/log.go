package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to a writer as text or JSONL.
//
// Text mode prints one human-readable line per event:
//
//	[component_completed] pipeline=run-001 execution=a1b2c3d4e5f60718 component=preprocess
//
// JSON mode prints one JSON object per line, suitable for log shipping:
//
//	{"pipelineID":"run-001","executionID":"a1b2c3d4e5f60718","component":"preprocess","status":"completed","msg":"component_completed","meta":null}
//
// Usage:
//
//	emitter := emit.NewLogEmitter(os.Stdout, false)
//
//	f, _ := os.Create("events.jsonl")
//	defer f.Close()
//	emitter := emit.NewLogEmitter(f, true)
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to writer. A nil writer falls
// back to os.Stdout. jsonMode selects JSONL output over text.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes one line for the event. Safe for concurrent use; lines from
// concurrent emitters never interleave.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		PipelineID  string         `json:"pipelineID"`
		ExecutionID string         `json:"executionID"`
		Component   string         `json:"component"`
		Status      string         `json:"status,omitempty"`
		Msg         string         `json:"msg"`
		Meta        map[string]any `json:"meta"`
	}{
		PipelineID:  event.PipelineID,
		ExecutionID: event.ExecutionID,
		Component:   event.Component,
		Status:      event.Status,
		Msg:         event.Msg,
		Meta:        event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}

	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] pipeline=%s execution=%s component=%s",
		event.Msg, event.PipelineID, event.ExecutionID, event.Component)

	if event.Status != "" {
		fmt.Fprintf(l.writer, " status=%s", event.Status)
	}

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprint(l.writer, "\n")
}
