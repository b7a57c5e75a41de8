package myMiddleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeValidator struct{}

func (fakeValidator) ValidateToken(token string) (int64, string, error) {
	if token == "good" {
		return 7, "alice", nil
	}
	return 0, "", errors.New("bad token")
}

func echoUser(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := UserIDFrom(r.Context()); ok && id == 7 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestHandle(t *testing.T) {
	mw := NewAuthMiddleware(fakeValidator{})

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"bearer header", "/x", "Bearer good", http.StatusOK},
		{"query fallback", "/x?token=good", "", http.StatusOK},
		{"missing", "/x", "", http.StatusUnauthorized},
		{"invalid", "/x?token=nope", "", http.StatusUnauthorized},
		{"wrong scheme", "/x", "Basic good", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mw.Handle(echoUser(t)).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireServiceToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	for _, tt := range []struct {
		configured, sent string
		want             int
	}{
		{"k", "k", http.StatusOK},
		{"k", "x", http.StatusForbidden},
		{"", "", http.StatusForbidden},
	} {
		req := httptest.NewRequest(http.MethodPost, "/internal", nil)
		req.Header.Set("X-Internal-Token", tt.sent)
		rec := httptest.NewRecorder()
		RequireServiceToken(tt.configured)(ok).ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("configured=%q sent=%q: status = %d, want %d", tt.configured, tt.sent, rec.Code, tt.want)
		}
	}
}
