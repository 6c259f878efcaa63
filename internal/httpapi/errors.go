package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/kadirpekel/agentcore/internal/errs"
)

// errorEnvelope is the uniform error body of spec §6.1.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	ErrorID string         `json:"error_id,omitempty"`
}

// writeError translates any error into the public error taxonomy (spec
// §4.4.3 / §7) before it reaches the response body. Raw storage or SDK
// messages never leak: only *errs.Error.Message is surfaced.
func writeError(w http.ResponseWriter, err error) {
	e, ok := errs.As(err)
	if !ok {
		e = errs.Wrap(errs.Internal, "ERR_UNHANDLED", err, "internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Code:    string(e.Kind),
		Message: e.Message,
		Details: e.Details,
		ErrorID: e.ErrorID,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
