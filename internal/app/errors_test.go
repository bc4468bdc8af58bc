package app

import (
	"fmt"
	"net/http"
	"testing"

	"murmur/internal/bridge"
	"murmur/internal/identity"
)

func TestMapErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"command timeout", ErrCommandTimeout, http.StatusGatewayTimeout, "COMMAND_TIMEOUT"},
		{"invalid input", bridge.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad tenant", identity.ErrTenantUnderscore, http.StatusBadRequest, "INVALID_INPUT"},
		{"permission denied", bridge.ErrPermissionDenied, http.StatusForbidden, "FORBIDDEN"},
		{"not found", bridge.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"remote conflict", bridge.ErrRemoteConflict, http.StatusConflict, "REMOTE_CONFLICT"},
		{"remote transient", bridge.ErrRemoteTransient, http.StatusBadGateway, "REMOTE_UNAVAILABLE"},
		{"wrapped remote conflict", fmt.Errorf("send comment: %w", bridge.ErrRemoteConflict), http.StatusConflict, "REMOTE_CONFLICT"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			if status != tc.wantStatus || code != tc.wantCode {
				t.Errorf("mapError(%v) = %d %s, want %d %s", tc.err, status, code, tc.wantStatus, tc.wantCode)
			}
		})
	}
}
