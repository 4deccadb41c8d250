package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"

	"analysisd/pkg/apperror"
	"analysisd/pkg/logger"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error  string                `json:"error"`
	Code   string                `json:"code,omitempty"`
	Fields []apperror.FieldError `json:"fields,omitempty"`
	Stack  string                `json:"stack,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response", "error", err)
	}
}

// writeError maps an error onto its HTTP status. Stack traces are appended
// only in development.
func writeError(w http.ResponseWriter, err error) {
	appErr := apperror.From(err)

	body := errorBody{
		Error:  appErr.Message,
		Code:   string(appErr.Code),
		Fields: appErr.Fields,
	}
	if isDevelopment() {
		if appErr.Cause != nil {
			body.Stack = fmt.Sprintf("%v\n%s", appErr.Cause, debug.Stack())
		}
	}

	status := appErr.HTTPStatus()
	if status >= 500 {
		logger.Error("Request failed", "code", appErr.Code, "error", appErr.Error(), "cause", appErr.Cause)
	}
	writeJSON(w, status, body)
}

func isDevelopment() bool {
	env := os.Getenv("NODE_ENV")
	return env == "development" || env == "dev"
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperror.Wrap(err, apperror.CodeInvalidArgument, "Invalid request body")
	}
	return nil
}
