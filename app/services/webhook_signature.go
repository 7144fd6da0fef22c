package services

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// JSONBodyField is the pseudo-field name under which the caller passes the
// raw body of a JSON webhook, so the signature covers the payload the same
// way it covers form fields
const JSONBodyField = "payload"

// VerifyWebhookSignature recomputes the provider's request signature over the
// full request URL plus the form fields concatenated in sorted key order, and
// compares it in constant time. For JSON webhooks the body is passed as a
// single pseudo-field by the caller.
func VerifyWebhookSignature(secret, fullURL, provided string, form url.Values) bool {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		// The provider signs the first value of each key
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(provided))
}

// SignWebhookPayload produces the signature a well-behaved provider would
// attach; used by tests and the mock provider.
func SignWebhookPayload(secret, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
