package idempotency_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clipforge/ingestgate/internal/idempotency"
)

func TestSanitizeDigestMasksSensitiveKeys(t *testing.T) {
	t.Parallel()

	out := idempotency.SanitizeDigest([]byte(`{
		"api_key": "sk-live-abc123",
		"user_email": "jo@example.com",
		"title": "weekly digest"
	}`))

	assert.NotContains(t, out, "sk-live-abc123")
	assert.NotContains(t, out, "jo@example.com")
	assert.Contains(t, out, "weekly digest")
	assert.Contains(t, out, "xx:")
}

func TestSanitizeDigestMasksNestedValues(t *testing.T) {
	t.Parallel()

	out := idempotency.SanitizeDigest([]byte(`{"auth":{"access_token":"t0p-secret"},"n":1}`))
	assert.NotContains(t, out, "t0p-secret")
	assert.Contains(t, out, `"n":1`)
}

func TestSanitizeDigestMasksEmailsInPlainStrings(t *testing.T) {
	t.Parallel()

	out := idempotency.SanitizeDigest([]byte(`{"note":"contact kim@corp.io for access"}`))
	assert.NotContains(t, out, "kim@corp.io")
	assert.Contains(t, out, "contact ")
}

func TestSanitizeDigestNonJSONGetsEmailPass(t *testing.T) {
	t.Parallel()

	out := idempotency.SanitizeDigest([]byte("reply to pat@mail.net please"))
	assert.NotContains(t, out, "pat@mail.net")
	assert.True(t, strings.Contains(out, "reply to ") && strings.Contains(out, " please"))
}

func TestSanitizeDigestMaskIsDeterministic(t *testing.T) {
	t.Parallel()

	a := idempotency.SanitizeDigest([]byte(`{"password":"hunter2"}`))
	b := idempotency.SanitizeDigest([]byte(`{"password":"hunter2"}`))
	assert.Equal(t, a, b, "same value must map to the same mask for correlation")
}
