// ABOUTME: Tests for the bearer-token HTTP middleware
// ABOUTME: Covers header parsing, rejection responses, and principal propagation

package auth

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header    string
		wantToken string
		wantErr   string
	}{
		{header: "", wantErr: "missing authorization header"},
		{header: "Basic abc", wantErr: "invalid authorization header format"},
		{header: "Bearer ", wantErr: "empty token"},
		{header: "Bearer abc.def", wantToken: "abc.def"},
	}

	for _, tt := range tests {
		token, errMsg := extractBearerToken(tt.header)
		if token != tt.wantToken || errMsg != tt.wantErr {
			t.Errorf("extractBearerToken(%q) = (%q, %q), want (%q, %q)",
				tt.header, token, errMsg, tt.wantToken, tt.wantErr)
		}
	}
}

func TestHTTPAuthMiddleware(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var seen *Principal
	handler := HTTPAuthMiddleware(verifier, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	valid, err := verifier.Generate("client-1", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	expired, err := verifier.Generate("client-1", -time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantError  string
	}{
		{name: "no header", header: "", wantStatus: http.StatusUnauthorized, wantError: "missing authorization header"},
		{name: "bad token", header: "Bearer nope", wantStatus: http.StatusUnauthorized, wantError: "invalid token"},
		{name: "expired", header: "Bearer " + expired, wantStatus: http.StatusUnauthorized, wantError: "token expired"},
		{name: "valid", header: "Bearer " + valid, wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/api/copilotkit", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantError == "" {
				if seen == nil || seen.ID != "client-1" {
					t.Errorf("principal = %+v, want client-1", seen)
				}
				return
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
			if seen != nil {
				t.Error("handler should not run on rejected request")
			}
		})
	}
}

func TestFromContext_Anonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if p := FromContext(req.Context()); p != nil {
		t.Errorf("FromContext() = %+v, want nil", p)
	}
}
