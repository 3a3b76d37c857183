package idempotency

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// sensitiveKeyFragments marks JSON keys whose values must never be persisted
// raw in a request digest. Matched case-insensitively as substrings, so
// "userEmail", "access_token" and "X-Api-Key" are all caught.
var sensitiveKeyFragments = []string{
	"email",
	"token",
	"secret",
	"password",
	"authorization",
	"api_key",
	"apikey",
	"credential",
	"cookie",
	"ssn",
}

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// SanitizeDigest scrubs identified sensitive material from a request body
// before it is persisted as a digest. Values under sensitive keys are
// replaced with a short one-way hash, and bare email addresses inside other
// string values are masked the same way. Non-JSON bodies get only the email
// pass.
func SanitizeDigest(body []byte) string {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() && !parsed.IsArray() {
		return emailPattern.ReplaceAllStringFunc(string(body), shortHash)
	}

	out := body
	var scrub func(prefix string, v gjson.Result)
	scrub = func(prefix string, v gjson.Result) {
		v.ForEach(func(key, value gjson.Result) bool {
			path := key.String()
			if prefix != "" {
				path = prefix + "." + path
			}
			switch {
			case isSensitiveKey(key.String()):
				out, _ = sjson.SetBytes(out, path, shortHash(value.String()))
			case value.IsObject() || value.IsArray():
				scrub(path, value)
			case value.Type == gjson.String && emailPattern.MatchString(value.String()):
				out, _ = sjson.SetBytes(out, path,
					emailPattern.ReplaceAllStringFunc(value.String(), shortHash))
			}
			return true
		})
	}
	scrub("", parsed)
	return string(out)
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// shortHash replaces a sensitive value with an 8-hex-char one-way digest,
// enough to correlate identical values in debugging without revealing them.
func shortHash(value string) string {
	sum := fmt.Sprintf("%016x", xxhash.Sum64String(value))
	return "xx:" + sum[:8]
}
