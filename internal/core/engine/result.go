package engine

import "github.com/keywatch/keywatch/internal/core"

// Outcome classifies how a profile fetch ended.
type Outcome string

const (
	OutcomeThrottled       Outcome = "throttled"
	OutcomeFirstUse        Outcome = "first_use"
	OutcomeUnchanged       Outcome = "unchanged"
	OutcomeChanged         Outcome = "changed"
	OutcomeDecodeFailed    Outcome = "decode_failed"
	OutcomeTransportFailed Outcome = "transport_failed"
	OutcomeStoreFailed     Outcome = "store_failed"
)

// Result is reported once per FetchProfile call, after the last attempt.
type Result struct {
	RecipientID core.RecipientID `json:"recipient_id"`
	Outcome     Outcome          `json:"outcome"`
	Attempts    int              `json:"attempts"`
	Err         error            `json:"-"`
}

// ErrorMessage returns the error text, if any.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
