package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"coachchat/internal/models"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: password mismatch", models.ErrValidation), http.StatusBadRequest},
		{models.ErrUnauthorized, http.StatusUnauthorized},
		{fmt.Errorf("transcript 7: %w", models.ErrNotFound), http.StatusNotFound},
		{models.ErrConflict, http.StatusConflict},
		{models.ErrBusy, http.StatusTooManyRequests},
		{fmt.Errorf("%w: timeout", models.ErrUpstream), http.StatusBadGateway},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
	if msg := errorMessage(http.StatusInternalServerError, errors.New("dsn secret")); msg != "internal server error" {
		t.Fatalf("internal error leaked: %q", msg)
	}
}
