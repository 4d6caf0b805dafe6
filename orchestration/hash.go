package orchestration

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/twingraph/twingraph-go/serialize"
)

// ExecutionID derives the 16-hex-char identifier for one invocation: a
// digest over the sorted parent IDs, the function name, the canonical JSON
// of the encoded inputs, and the timestamp. Distinct calls with identical
// inputs get distinct IDs because the timestamp participates; the system
// records history, not memoization keys.
func ExecutionID(parentIDs []string, funcName string, inputs map[string]any, ts time.Time) (string, error) {
	return digest(parentIDs, funcName, inputs, ts.UTC().Format(time.RFC3339Nano))
}

// ContentKey is the timestamp-free variant of ExecutionID, suitable as a
// cache key: identical parents, name, and inputs always produce the same
// key.
func ContentKey(parentIDs []string, funcName string, inputs map[string]any) (string, error) {
	return digest(parentIDs, funcName, inputs, "")
}

func digest(parentIDs []string, funcName string, inputs map[string]any, stamp string) (string, error) {
	canonical, err := serialize.Canonical(serialize.EncodeMap(inputs))
	if err != nil {
		return "", err
	}

	sorted := make([]string, len(parentIDs))
	copy(sorted, parentIDs)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(strings.Join(sorted, ",")))
	h.Write([]byte(funcName))
	h.Write([]byte(canonical))
	h.Write([]byte(stamp))
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
