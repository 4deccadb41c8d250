package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{CodeInvalidArgument, http.StatusBadRequest},
		{CodeInvalidPath, http.StatusBadRequest},
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodePermissionDenied, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeAlreadyExists, http.StatusConflict},
		{CodeAlreadyStarting, http.StatusConflict},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeInternal, http.StatusInternalServerError},
		{CodeSpawnFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, New(tt.code, "x").HTTPStatus(), string(tt.code))
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, CodeInternal, "Failed to write")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeInternal, Code(err))
	assert.Equal(t, "[INTERNAL_ERROR] Failed to write", err.Error())
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	inner := New(CodeNotFound, "Analysis not found")
	outer := fmt.Errorf("handler: %w", inner)

	assert.True(t, Is(outer, CodeNotFound))
	assert.False(t, Is(outer, CodeInternal))
}

func TestFrom(t *testing.T) {
	assert.Nil(t, From(nil))

	appErr := New(CodePermissionDenied, "Forbidden")
	assert.Same(t, appErr, From(appErr))

	plain := errors.New("boom")
	converted := From(plain)
	assert.Equal(t, CodeInternal, converted.Code)
	assert.Equal(t, "Internal server error", converted.Message)
	assert.ErrorIs(t, converted, plain)
}

func TestWithField(t *testing.T) {
	err := New(CodeInvalidArgument, "Invalid name").
		WithField("name", "required", "required").
		WithField("name", "too long", "length")

	assert.Len(t, err.Fields, 2)
	assert.Equal(t, "name", err.Fields[0].Path)
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, Code(errors.New("x")))
}
