package webhook

import (
	"encoding/json"
	"time"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
	"github.com/GoCodeAlone/subscription-lifecycle/lifecycle"
	"github.com/GoCodeAlone/subscription-lifecycle/store"
)

// SourceWebhook marks dead letters produced by the HTTP ingress.
const SourceWebhook = "webhook"

// newDeadLetter builds the dead-letter entry for an event that failed. ev is
// nil when the envelope could not be normalized.
func newDeadLetter(body []byte, ev *billing.Event, res lifecycle.Result, err error, attempts int) *store.DeadLetter {
	dl := &store.DeadLetter{
		Source:    SourceWebhook,
		Envelope:  envelopeJSON(body),
		Error:     err.Error(),
		Retryable: lifecycle.IsRetryable(err),
		Attempts:  attempts,
		TenantID:  res.TenantID,
		CreatedAt: time.Now().UTC(),
	}
	if ev != nil {
		dl.EventID = ev.ID
		dl.EventType = string(ev.Type)
	} else {
		var head struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		}
		if json.Unmarshal(body, &head) == nil {
			dl.EventID = head.ID
			dl.EventType = head.Type
		}
	}
	return dl
}

// envelopeJSON keeps the body as-is when it is JSON and quotes it otherwise
// so the entry stays encodable.
func envelopeJSON(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
