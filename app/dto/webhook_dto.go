package dto

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ButtonPayload is the structured reply attached to an interactive message
type ButtonPayload struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

// LocationPayload carries the coordinates of a shared location
type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// InboundWebhookRequest is the normalized inbound message, independent of
// which provider envelope it arrived in. Exactly one of the kind-specific
// payloads is set, matching Kind.
type InboundWebhookRequest struct {
	// To is the tenant's sending address the message was delivered to
	To string `json:"to" validate:"required"`
	// From is the customer's address
	From string `json:"from" validate:"required"`
	// ProviderMessageID is the provider-assigned id, empty when absent
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	// Kind is one of text, button, location, media
	Kind string `json:"kind" validate:"required,oneof=text button location media"`

	Body     string           `json:"body,omitempty"`
	Button   *ButtonPayload   `json:"button,omitempty"`
	Location *LocationPayload `json:"location,omitempty"`
	MediaURL string           `json:"media_url,omitempty"`

	// RawForm preserves the original form fields for signature validation
	RawForm url.Values `json:"-"`
}

// formEnvelope is the URL-encoded shape some providers deliver
const (
	formFieldTo        = "To"
	formFieldFrom      = "From"
	formFieldMessageID = "MessageSid"
	formFieldBody      = "Body"
	formFieldLatitude  = "Latitude"
	formFieldLongitude = "Longitude"
	formFieldMediaURL  = "MediaUrl0"
	formFieldButton    = "ButtonPayload"
	formFieldButtonTxt = "ButtonText"
)

// jsonEnvelope is the JSON shape the other provider family delivers
type jsonEnvelope struct {
	To        string `json:"to"`
	From      string `json:"from"`
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button,omitempty"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location,omitempty"`
	Media *struct {
		URL string `json:"url"`
	} `json:"media,omitempty"`
}

// ErrUnrecognizedEnvelope reports an envelope whose shape matched no known
// message kind
type ErrUnrecognizedEnvelope struct {
	Reason string
}

func (e *ErrUnrecognizedEnvelope) Error() string {
	return fmt.Sprintf("unrecognized webhook envelope: %s", e.Reason)
}

// FromForm normalizes a URL-encoded provider envelope. The message kind is
// inferred from which fields are present: location coordinates win over media,
// media over button, button over plain text.
func FromForm(form url.Values) (*InboundWebhookRequest, error) {
	req := &InboundWebhookRequest{
		To:                strings.TrimSpace(form.Get(formFieldTo)),
		From:              strings.TrimSpace(form.Get(formFieldFrom)),
		ProviderMessageID: strings.TrimSpace(form.Get(formFieldMessageID)),
		RawForm:           form,
	}
	if req.To == "" || req.From == "" {
		return nil, &ErrUnrecognizedEnvelope{Reason: "missing sender or destination address"}
	}

	switch {
	case form.Get(formFieldLatitude) != "" && form.Get(formFieldLongitude) != "":
		lat, err1 := strconv.ParseFloat(form.Get(formFieldLatitude), 64)
		lng, err2 := strconv.ParseFloat(form.Get(formFieldLongitude), 64)
		if err1 != nil || err2 != nil {
			return nil, &ErrUnrecognizedEnvelope{Reason: "malformed location coordinates"}
		}
		req.Kind = "location"
		req.Location = &LocationPayload{Latitude: lat, Longitude: lng}
	case form.Get(formFieldMediaURL) != "":
		req.Kind = "media"
		req.MediaURL = form.Get(formFieldMediaURL)
		req.Body = form.Get(formFieldBody)
	case form.Get(formFieldButton) != "":
		req.Kind = "button"
		req.Button = &ButtonPayload{
			Text:    form.Get(formFieldButtonTxt),
			Payload: form.Get(formFieldButton),
		}
		req.Body = form.Get(formFieldBody)
	case form.Get(formFieldBody) != "":
		req.Kind = "text"
		req.Body = form.Get(formFieldBody)
	default:
		return nil, &ErrUnrecognizedEnvelope{Reason: "no recognizable content fields"}
	}

	return req, nil
}

// FromJSONEnvelope normalizes a JSON provider envelope
func FromJSONEnvelope(env *jsonEnvelope) (*InboundWebhookRequest, error) {
	req := &InboundWebhookRequest{
		To:                strings.TrimSpace(env.To),
		From:              strings.TrimSpace(env.From),
		ProviderMessageID: strings.TrimSpace(env.MessageID),
	}
	if req.To == "" || req.From == "" {
		return nil, &ErrUnrecognizedEnvelope{Reason: "missing sender or destination address"}
	}

	switch env.Type {
	case "text":
		if env.Text == nil {
			return nil, &ErrUnrecognizedEnvelope{Reason: "text envelope without text body"}
		}
		req.Kind = "text"
		req.Body = env.Text.Body
	case "button", "interactive":
		if env.Button == nil {
			return nil, &ErrUnrecognizedEnvelope{Reason: "button envelope without button payload"}
		}
		req.Kind = "button"
		req.Button = &ButtonPayload{Text: env.Button.Text, Payload: env.Button.Payload}
	case "location":
		if env.Location == nil {
			return nil, &ErrUnrecognizedEnvelope{Reason: "location envelope without coordinates"}
		}
		req.Kind = "location"
		req.Location = &LocationPayload{
			Latitude:  env.Location.Latitude,
			Longitude: env.Location.Longitude,
			Label:     env.Location.Name,
			Address:   env.Location.Address,
		}
	case "image", "video", "audio", "document":
		if env.Media == nil {
			return nil, &ErrUnrecognizedEnvelope{Reason: env.Type + " envelope without media url"}
		}
		req.Kind = "media"
		req.MediaURL = env.Media.URL
	default:
		return nil, &ErrUnrecognizedEnvelope{Reason: "unknown message type " + strconv.Quote(env.Type)}
	}

	return req, nil
}

// JSONEnvelope exposes the provider JSON shape for decoding at the handler
type JSONEnvelope = jsonEnvelope

// VerifyChallengeRequest is the provider's GET subscription handshake
type VerifyChallengeRequest struct {
	Mode      string `query:"hub.mode"`
	Token     string `query:"hub.verify_token"`
	Challenge string `query:"hub.challenge"`
}

// InboundWebhookResponse acknowledges an accepted (or deduplicated) message
type InboundWebhookResponse struct {
	MessageID uint   `json:"message_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Status    string `json:"status"`
}
