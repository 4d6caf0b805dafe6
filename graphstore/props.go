package graphstore

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/twingraph/twingraph-go/emit"
)

// EncodeProperties flattens an attribute map for a property write. Scalar
// values pass through; everything else becomes a JSON string, since graph
// backends only take scalar property values.
func EncodeProperties(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch v.(type) {
		case nil, bool, string,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			out[k] = v
		default:
			data, err := json.Marshal(v)
			if err != nil {
				out[k] = fmt.Sprintf("%v", v)
				continue
			}
			out[k] = string(data)
		}
	}
	return out
}

// DecodeProperties reverses EncodeProperties: string values that look like
// JSON objects or arrays are parsed back into structured values. Strings
// that fail to parse stay strings.
func DecodeProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		s, ok := v.(string)
		if !ok || !looksLikeJSON(s) {
			out[k] = v
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			out[k] = v
			continue
		}
		out[k] = parsed
	}
	return out
}

func looksLikeJSON(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// config carries options shared by all backend constructors.
type config struct {
	emitter emit.Emitter
}

// Option configures a store backend.
type Option func(*config)

// WithEmitter routes store warnings (skipped parent edges, degraded
// operations) to an emitter. Default: discard.
func WithEmitter(emitter emit.Emitter) Option {
	return func(cfg *config) {
		cfg.emitter = emitter
	}
}

func newConfig(opts []Option) config {
	cfg := config{emitter: emit.NewNullEmitter()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// warnSkippedParent emits the skipped-edge warning required when a parent
// ID has no vertex in the store.
func warnSkippedParent(emitter emit.Emitter, childHash, parentID string) {
	emitter.Emit(emit.Event{
		ExecutionID: childHash,
		Msg:         "parent_edge_skipped",
		Meta:        map[string]any{"parent": parentID},
	})
}
