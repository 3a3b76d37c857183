package idempotency_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/clipforge/ingestgate/internal/idempotency"
)

var fpBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fpInput(body string) idempotency.FingerprintInput {
	return idempotency.FingerprintInput{
		Identity: "acct-1",
		Method:   "POST",
		Path:     "/v1/publish",
		Body:     []byte(body),
		At:       fpBase,
	}
}

func TestFingerprintIgnoresKeyOrderAndWhitespace(t *testing.T) {
	t.Parallel()

	a := idempotency.Fingerprint(fpInput(`{"title":"x","tags":["a","b"]}`), 100*time.Millisecond)
	b := idempotency.Fingerprint(fpInput(` { "tags" : ["a","b"], "title" : "x" } `), 100*time.Millisecond)
	assert.Equal(t, a, b)
}

func TestFingerprintVariesWithRequestMaterial(t *testing.T) {
	t.Parallel()

	window := 100 * time.Millisecond
	base := idempotency.Fingerprint(fpInput(`{"a":1}`), window)

	in := fpInput(`{"a":1}`)
	in.Identity = "acct-2"
	assert.NotEqual(t, base, idempotency.Fingerprint(in, window), "identity must be part of the key")

	in = fpInput(`{"a":2}`)
	assert.NotEqual(t, base, idempotency.Fingerprint(in, window), "body must be part of the key")

	in = fpInput(`{"a":1}`)
	in.Path = "/v1/other"
	assert.NotEqual(t, base, idempotency.Fingerprint(in, window), "path must be part of the key")
}

func TestFingerprintTimeBuckets(t *testing.T) {
	t.Parallel()

	window := 100 * time.Millisecond
	base := idempotency.Fingerprint(fpInput(`{"a":1}`), window)

	in := fpInput(`{"a":1}`)
	in.At = fpBase.Add(40 * time.Millisecond)
	assert.Equal(t, base, idempotency.Fingerprint(in, window), "same bucket coalesces")

	in.At = fpBase.Add(150 * time.Millisecond)
	assert.NotEqual(t, base, idempotency.Fingerprint(in, window), "next bucket is a new operation")
}

func TestCanonicalBodySortsNestedObjects(t *testing.T) {
	t.Parallel()

	a := idempotency.CanonicalBody([]byte(`{"outer":{"b":2,"a":1},"list":[{"y":2,"x":1}]}`))
	b := idempotency.CanonicalBody([]byte(`{"list":[{"x":1,"y":2}],"outer":{"a":1,"b":2}}`))
	assert.Equal(t, a, b)
	assert.Equal(t, `{"list":[{"x":1,"y":2}],"outer":{"a":1,"b":2}}`, string(a))
}

func TestCanonicalBodyNonJSON(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte("plain text"), idempotency.CanonicalBody([]byte("  plain text  ")))
	assert.Nil(t, idempotency.CanonicalBody([]byte("   ")))
}

func TestFingerprintDeterminismProperty(t *testing.T) {
	t.Parallel()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("identical inputs always share a fingerprint", prop.ForAll(
		func(identity, path, body string) bool {
			in := idempotency.FingerprintInput{
				Identity: identity,
				Method:   "POST",
				Path:     path,
				Body:     []byte(body),
				At:       fpBase,
			}
			return idempotency.Fingerprint(in, time.Second) == idempotency.Fingerprint(in, time.Second)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
