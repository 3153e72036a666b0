package gateway

import (
	"errors"
	"fmt"

	"github.com/listahub/ListaPay/internal/pkg/plans"
)

// StatusSignal carries whatever status material one gateway response
// contained. Instruments differ: mobile money reports numeric codes,
// card reports string states, some responses only have free text.
// Empty fields were absent from the payload.
type StatusSignal struct {
	Code        string // numeric/HTTP-like code, e.g. "200"
	Status      string // gateway status token, e.g. "SUCCESSFUL"
	Description string // free-text detail, e.g. "WAITING_CONFIRMATION"
}

// IsZero reports whether the response carried no status material at all.
func (s StatusSignal) IsZero() bool {
	return s.Code == "" && s.Status == "" && s.Description == ""
}

// InitiateRequest is the provider-agnostic shape handed to the instrument
// adapter that builds the outbound charge call.
type InitiateRequest struct {
	Reference    string
	Amount       int64 // minor units of Currency
	Currency     plans.Currency
	Instrument   string
	PayerContact string
}

// InitiateResponse is the outcome of a charge submission.
type InitiateResponse struct {
	GatewayID string
	Signal    StatusSignal
	Raw       string
}

// QueryResponse is the outcome of a status lookup.
type QueryResponse struct {
	Signal StatusSignal
	Raw    string
}

// ErrTimeout marks a transport-level failure where the gateway never
// answered. The charge may or may not exist on the other side.
var ErrTimeout = errors.New("gateway request timed out")

// RejectedError is an explicit non-2xx answer from the gateway.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request: status=%d body=%s", e.StatusCode, e.Body)
}
