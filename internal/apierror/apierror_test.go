package apierror

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIErrorMessage(t *testing.T) {
	err := NewAPIError(ErrNotFound, "sync configuration not found", nil)
	assert.Equal(t, "NOT_FOUND: sync configuration not found", err.Error())
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrBadRequest, http.StatusBadRequest},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrTooManyRequest, http.StatusTooManyRequests},
		{ErrInternalServer, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := NewAPIError(tt.code, "boom", nil)
			assert.Equal(t, tt.expected, MapErrorToHTTPStatus(err))
		})
	}
}

func TestMapErrorToHTTPStatusPlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError,
		MapErrorToHTTPStatus(errors.New("plain")))
}
