package idempotency

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
)

// FingerprintInput is the request material a fallback key is derived from
// when the caller supplies no explicit idempotency key.
type FingerprintInput struct {
	Identity string
	Method   string
	Path     string
	Body     []byte

	// At is the request's ingress timestamp.
	At time.Time
}

// Fingerprint derives a fallback idempotency key. Structurally identical
// requests from one identity inside the same coalesce-window time bucket map
// to the same key, so rapid duplicates collapse into one logical operation
// while a legitimate repeat after the window runs independently.
func Fingerprint(in FingerprintInput, coalesceWindow time.Duration) string {
	timeBucket := in.At.UnixMilli() / coalesceWindow.Milliseconds()

	h := xxhash.New()
	_, _ = h.WriteString(in.Identity)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(in.Method)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(in.Path)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(CanonicalBody(in.Body))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strconv.FormatInt(timeBucket, 10))

	return "fp:" + strconv.FormatUint(h.Sum64(), 16)
}

// CanonicalBody normalizes a request body so key order and whitespace do not
// change the fingerprint. Valid JSON is re-serialized with sorted object
// keys; anything else is hashed as-is.
func CanonicalBody(body []byte) []byte {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	parsed := gjson.Parse(trimmed)
	if !parsed.IsObject() && !parsed.IsArray() {
		return []byte(trimmed)
	}

	var b strings.Builder
	writeCanonical(&b, parsed)
	return []byte(b.String())
}

func writeCanonical(b *strings.Builder, v gjson.Result) {
	switch {
	case v.IsObject():
		keys := make([]string, 0, 8)
		values := make(map[string]gjson.Result, 8)
		v.ForEach(func(key, value gjson.Result) bool {
			keys = append(keys, key.String())
			values[key.String()] = value
			return true
		})
		sort.Strings(keys)

		b.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(key))
			b.WriteByte(':')
			writeCanonical(b, values[key])
		}
		b.WriteByte('}')

	case v.IsArray():
		b.WriteByte('[')
		for i, item := range v.Array() {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')

	default:
		b.WriteString(v.Raw)
	}
}
