package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// SubscriptionValidationType is the system event a webhook subscription
// sends once to prove endpoint ownership.
const SubscriptionValidationType = "Microsoft.EventGrid.SubscriptionValidationEvent"

// Envelope is one transport-level event: a CloudEvent ("type") or an
// Event Grid event ("eventType").
type Envelope struct {
	ID      string
	Type    string
	Subject string
	Data    json.RawMessage
}

type envelopeJSON struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
}

// DecodeBatch decodes a JSON array of envelopes. A single object is
// accepted as a batch of one.
func DecodeBatch(body []byte) ([]Envelope, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty event batch")
	}

	var raw []envelopeJSON
	if body[0] == '{' {
		var one envelopeJSON
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, fmt.Errorf("decoding event: %w", err)
		}
		raw = []envelopeJSON{one}
	} else if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding event batch: %w", err)
	}

	envs := make([]Envelope, 0, len(raw))
	for _, r := range raw {
		t := r.Type
		if t == "" {
			t = r.EventType
		}
		envs = append(envs, Envelope{ID: r.ID, Type: t, Subject: r.Subject, Data: r.Data})
	}
	return envs, nil
}

// IsSubscriptionValidation reports whether the envelope is a subscription
// validation challenge.
func (e Envelope) IsSubscriptionValidation() bool {
	return strings.EqualFold(e.Type, SubscriptionValidationType)
}

// ValidationCode extracts the challenge code of a subscription validation
// envelope.
func (e Envelope) ValidationCode() (string, error) {
	var d struct {
		ValidationCode string `json:"validationCode"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return "", fmt.Errorf("decoding validation event: %w", err)
	}
	if d.ValidationCode == "" {
		return "", fmt.Errorf("validation event without validationCode")
	}
	return d.ValidationCode, nil
}
