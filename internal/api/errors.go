package api

import (
	"encoding/json"
	"net/http"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

// errorEnvelope is the stable JSON error shape spec.md §7 requires every
// non-2xx response to carry: a stable code, a human-readable message, the
// request id, and whether the caller may safely retry.
type errorEnvelope struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
	Retryable bool   `json:"retryable"`
}

// respondJSON writes v as a 200 JSON response, matching the teacher's
// respondJSON (Content-Type header, raw json.Encoder, no extra wrapping).
func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// respondError renders err as an errorEnvelope at the status its corerr.Kind
// maps to. A plain (non-corerr) error is treated as Internal.
func respondError(w http.ResponseWriter, requestID string, err error) {
	kind := corerr.KindInternal
	message := err.Error()
	retryable := false
	if ce, ok := asCoreErr(err); ok {
		kind = ce.Kind
		retryable = ce.Retryable
		if ce.RequestID != "" {
			requestID = ce.RequestID
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(kind))
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Code:      string(kind),
		Message:   message,
		RequestID: requestID,
		Retryable: retryable,
	})
}

func asCoreErr(err error) (*corerr.Error, bool) {
	ce, ok := err.(*corerr.Error)
	return ce, ok
}

// statusForKind maps a corerr.Kind onto the HTTP status spec.md §7 asks for
// ("surface 4xx" on InvalidInput, etc).
func statusForKind(kind corerr.Kind) int {
	switch kind {
	case corerr.KindInvalidInput:
		return http.StatusBadRequest
	case corerr.KindNotFound:
		return http.StatusNotFound
	case corerr.KindConflict:
		return http.StatusConflict
	case corerr.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case corerr.KindBudgetExhausted:
		return http.StatusPaymentRequired
	case corerr.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
