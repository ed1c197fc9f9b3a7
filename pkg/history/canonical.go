package history

import (
	"encoding/json"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode uses Core Deterministic Encoding: sorted map keys and shortest
// forms, so equal values always produce identical bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("history: CBOR encoder initialization failed: " + err.Error())
	}
}

// Fingerprint returns the BLAKE3 digest of a value's canonical encoding.
// Numbers are compared by value, so int 1 and float64 1 hash the same.
func Fingerprint(v any) ([32]byte, error) {
	b, err := encMode.Marshal(normalize(v))
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(b), nil
}

// Equal compares two values structurally: order matters in arrays, key
// order does not matter in objects.
func Equal(a, b any) bool {
	fa, errA := Fingerprint(a)
	fb, errB := Fingerprint(b)
	if errA != nil || errB != nil {
		return false
	}
	return fa == fb
}

// normalize maps the value into the shapes JSON decoding produces, so values
// built in Go and values read from storage compare alike.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
