package dto

import (
	"encoding/json"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseForm() url.Values {
	form := url.Values{}
	form.Set("To", "+15550009999")
	form.Set("From", "+15551230001")
	form.Set("MessageSid", "SM001")
	return form
}

func TestFromForm_TextMessage(t *testing.T) {
	form := baseForm()
	form.Set("Body", "two lattes please")

	req, err := FromForm(form)
	require.NoError(t, err)
	assert.Equal(t, "text", req.Kind)
	assert.Equal(t, "two lattes please", req.Body)
	assert.Equal(t, "+15550009999", req.To)
	assert.Equal(t, "+15551230001", req.From)
	assert.Equal(t, "SM001", req.ProviderMessageID)
	assert.Equal(t, form, req.RawForm, "the raw form must survive for signature validation")
}

func TestFromForm_KindPrecedence(t *testing.T) {
	// A single envelope carrying several content fields resolves to exactly
	// one kind: location wins over media, media over button, button over text
	tests := []struct {
		name     string
		mutate   func(url.Values)
		wantKind string
	}{
		{
			name: "location wins over everything",
			mutate: func(f url.Values) {
				f.Set("Latitude", "35.6892")
				f.Set("Longitude", "51.3890")
				f.Set("MediaUrl0", "https://cdn.example.com/a.jpg")
				f.Set("ButtonPayload", "confirm")
				f.Set("Body", "hello")
			},
			wantKind: "location",
		},
		{
			name: "media wins over button and text",
			mutate: func(f url.Values) {
				f.Set("MediaUrl0", "https://cdn.example.com/a.jpg")
				f.Set("ButtonPayload", "confirm")
				f.Set("Body", "hello")
			},
			wantKind: "media",
		},
		{
			name: "button wins over text",
			mutate: func(f url.Values) {
				f.Set("ButtonPayload", "confirm")
				f.Set("Body", "hello")
			},
			wantKind: "button",
		},
		{
			name:     "body alone is text",
			mutate:   func(f url.Values) { f.Set("Body", "hello") },
			wantKind: "text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := baseForm()
			tt.mutate(form)
			req, err := FromForm(form)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, req.Kind)
		})
	}
}

func TestFromForm_LocationCoordinates(t *testing.T) {
	form := baseForm()
	form.Set("Latitude", "35.6892")
	form.Set("Longitude", "51.3890")

	req, err := FromForm(form)
	require.NoError(t, err)
	require.NotNil(t, req.Location)
	assert.InDelta(t, 35.6892, req.Location.Latitude, 1e-9)
	assert.InDelta(t, 51.3890, req.Location.Longitude, 1e-9)
}

func TestFromForm_ButtonCarriesTextAndPayload(t *testing.T) {
	form := baseForm()
	form.Set("ButtonPayload", "confirm_order")
	form.Set("ButtonText", "Confirm")

	req, err := FromForm(form)
	require.NoError(t, err)
	require.NotNil(t, req.Button)
	assert.Equal(t, "Confirm", req.Button.Text)
	assert.Equal(t, "confirm_order", req.Button.Payload)
}

func TestFromForm_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(url.Values)
	}{
		{
			name:   "missing destination address",
			mutate: func(f url.Values) { f.Del("To"); f.Set("Body", "hello") },
		},
		{
			name:   "missing sender address",
			mutate: func(f url.Values) { f.Del("From"); f.Set("Body", "hello") },
		},
		{
			name:   "no content fields at all",
			mutate: func(f url.Values) {},
		},
		{
			name: "malformed coordinates",
			mutate: func(f url.Values) {
				f.Set("Latitude", "north-ish")
				f.Set("Longitude", "51.3890")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := baseForm()
			tt.mutate(form)
			_, err := FromForm(form)
			var envErr *ErrUnrecognizedEnvelope
			assert.ErrorAs(t, err, &envErr)
		})
	}
}

func TestFromForm_TrimsAddresses(t *testing.T) {
	form := baseForm()
	form.Set("To", "  +15550009999 ")
	form.Set("Body", "hello")

	req, err := FromForm(form)
	require.NoError(t, err)
	assert.Equal(t, "+15550009999", req.To)
}

func decodeEnvelope(t *testing.T, raw string) *JSONEnvelope {
	t.Helper()
	var env JSONEnvelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	return &env
}

func TestFromJSONEnvelope_Text(t *testing.T) {
	env := decodeEnvelope(t, `{
		"to": "+15550009999",
		"from": "+15551230001",
		"message_id": "wamid.001",
		"type": "text",
		"text": {"body": "two lattes please"}
	}`)

	req, err := FromJSONEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, "text", req.Kind)
	assert.Equal(t, "two lattes please", req.Body)
	assert.Equal(t, "wamid.001", req.ProviderMessageID)
}

func TestFromJSONEnvelope_InteractiveIsButton(t *testing.T) {
	env := decodeEnvelope(t, `{
		"to": "+15550009999",
		"from": "+15551230001",
		"message_id": "wamid.002",
		"type": "interactive",
		"button": {"text": "Confirm", "payload": "confirm_order"}
	}`)

	req, err := FromJSONEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, "button", req.Kind)
	require.NotNil(t, req.Button)
	assert.Equal(t, "confirm_order", req.Button.Payload)
}

func TestFromJSONEnvelope_Location(t *testing.T) {
	env := decodeEnvelope(t, `{
		"to": "+15550009999",
		"from": "+15551230001",
		"message_id": "wamid.003",
		"type": "location",
		"location": {"latitude": 35.6892, "longitude": 51.389, "name": "Cafe", "address": "12 Main St"}
	}`)

	req, err := FromJSONEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, "location", req.Kind)
	require.NotNil(t, req.Location)
	assert.Equal(t, "Cafe", req.Location.Label)
	assert.Equal(t, "12 Main St", req.Location.Address)
}

func TestFromJSONEnvelope_MediaVariants(t *testing.T) {
	for _, typ := range []string{"image", "video", "audio", "document"} {
		t.Run(typ, func(t *testing.T) {
			env := decodeEnvelope(t, `{
				"to": "+15550009999",
				"from": "+15551230001",
				"message_id": "wamid.004",
				"type": "`+typ+`",
				"media": {"url": "https://cdn.example.com/a.bin"}
			}`)

			req, err := FromJSONEnvelope(env)
			require.NoError(t, err)
			assert.Equal(t, "media", req.Kind)
			assert.Equal(t, "https://cdn.example.com/a.bin", req.MediaURL)
		})
	}
}

func TestFromJSONEnvelope_Rejections(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "unknown type",
			raw:  `{"to": "+15550009999", "from": "+15551230001", "type": "sticker"}`,
		},
		{
			name: "text type without text body",
			raw:  `{"to": "+15550009999", "from": "+15551230001", "type": "text"}`,
		},
		{
			name: "location type without coordinates",
			raw:  `{"to": "+15550009999", "from": "+15551230001", "type": "location"}`,
		},
		{
			name: "media type without media url",
			raw:  `{"to": "+15550009999", "from": "+15551230001", "type": "image"}`,
		},
		{
			name: "missing addresses",
			raw:  `{"type": "text", "text": {"body": "hello"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromJSONEnvelope(decodeEnvelope(t, tt.raw))
			var envErr *ErrUnrecognizedEnvelope
			assert.ErrorAs(t, err, &envErr)
		})
	}
}
