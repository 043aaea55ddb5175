package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"linuxdiag/pkg/command"
	"linuxdiag/pkg/gatekeeper"
	"linuxdiag/pkg/router"

	"github.com/sirupsen/logrus"
)

type ErrResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, code int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(value); err != nil {
		logrus.Errorf("failed to encode json response: %v", err)
	}
}

// WriteError maps err to a status code. Execution errors are rendered
// without host credentials.
func WriteError(w http.ResponseWriter, err error) {
	resp := ErrResponse{Error: err.Error()}
	if k := command.KindOf(err); k != command.KindUnknown {
		resp.Error = command.Describe(err)
		resp.Kind = k.String()
	}
	WriteJSON(w, statusFor(err), resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gatekeeper.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gatekeeper.ErrInvalidState), errors.Is(err, gatekeeper.ErrNoResult):
		return http.StatusConflict
	case errors.Is(err, gatekeeper.ErrInvalidKind), errors.Is(err, command.ErrEmptyArgv), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gatekeeper.ErrRejected), errors.Is(err, router.ErrLocalExecutionDisallowed):
		return http.StatusForbidden
	case errors.Is(err, command.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, command.ErrConnectFailed), errors.Is(err, command.ErrAuthFailed), errors.Is(err, command.ErrHostKeyMismatch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("invalid request")

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
