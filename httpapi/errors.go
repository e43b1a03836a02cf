package httpapi

import (
	"errors"
	"net/http"

	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/schema"
)

type errorBody struct {
	Error string         `json:"error"`
	Kind  core.ErrorKind `json:"kind,omitempty"`
}

// statusFor maps workspace error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrNodeExists):
		return http.StatusConflict
	}
	switch core.KindOf(err) {
	case core.ErrorValidation:
		return http.StatusBadRequest
	case core.ErrorSessionUnavailable:
		return http.StatusServiceUnavailable
	case core.ErrorSyncRequired:
		return http.StatusPreconditionFailed
	case core.ErrorEscapeFailure:
		return http.StatusUnprocessableEntity
	case core.ErrorExecutionTimeout:
		return http.StatusGatewayTimeout
	case core.ErrorRemote:
		return http.StatusBadGateway
	case core.ErrorBusy:
		return http.StatusConflict
	case core.ErrorPersistence:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: core.KindOf(err)})
}

func writeKindError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}
