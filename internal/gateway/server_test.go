package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleWSAuth(t *testing.T) {
	srv, store := newTestServer(t, &fakeCaller{})
	require.NoError(t, store.PutSessionToken(context.Background(), 7, "phone", "good", time.Hour))

	cases := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{"missing id", "device=phone&token=good", http.StatusBadRequest, "id, device and token are required"},
		{"non-numeric id", "id=abc&device=phone&token=good", http.StatusBadRequest, "id, device and token are required"},
		{"missing device", "id=7&token=good", http.StatusBadRequest, ""},
		{"wrong token", "id=7&device=phone&token=wrong", http.StatusUnauthorized, "invalid token"},
		{"unknown user", "id=8&device=phone&token=good", http.StatusUnauthorized, "invalid token"},
		{"legacy user_id param", "user_id=7&device=phone&token=wrong", http.StatusUnauthorized, "invalid token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws?"+tc.query, nil)
			rec := httptest.NewRecorder()
			srv.handleWS(rec, req)

			assert.Equal(t, tc.wantCode, rec.Code)
			if tc.wantBody != "" {
				assert.Equal(t, tc.wantBody, strings.TrimSpace(rec.Body.String()))
			}
		})
	}
}

func TestHandleWSShuttingDown(t *testing.T) {
	srv, store := newTestServer(t, &fakeCaller{})
	require.NoError(t, store.PutSessionToken(context.Background(), 7, "phone", "good", time.Hour))
	srv.shuttingDown.Store(true)

	req := httptest.NewRequest(http.MethodGet, "/ws?id=7&device=phone&token=good", nil)
	rec := httptest.NewRecorder()
	srv.handleWS(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
