package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"tenderd/internal/keystore"
)

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	handler := ContentTypeMiddleware()(inner)

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
	}
	if called {
		t.Error("Inner handler should not run on wrong content type")
	}

	req = httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called for JSON content type")
	}
}

func TestMiddleware_CORS_Preflight(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Inner handler should not run on preflight")
	})
	handler := CORSMiddleware()(inner)

	req := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS headers on preflight response")
	}
}

func TestMiddleware_CallerAuth(t *testing.T) {
	t.Parallel()
	keys, err := keystore.Open(filepath.Join(t.TempDir(), "apikeys.json"))
	if err != nil {
		t.Fatalf("Failed to open key store: %v", err)
	}
	issued, err := keys.Issue("tester")
	if err != nil {
		t.Fatalf("Failed to issue key: %v", err)
	}

	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	handler := CallerAuthMiddleware(keys)(inner)

	tests := []struct {
		name     string
		decorate func(*http.Request)
		status   int
	}{
		{"missing key", func(r *http.Request) {}, http.StatusUnauthorized},
		{"wrong key", func(r *http.Request) { r.Header.Set("X-API-Key", "tnd_wrong") }, http.StatusUnauthorized},
		{"header key", func(r *http.Request) { r.Header.Set("X-API-Key", issued.Secret) }, http.StatusOK},
		{"bearer key", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+issued.Secret) }, http.StatusOK},
		{"malformed bearer", func(r *http.Request) { r.Header.Set("Authorization", issued.Secret) }, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
			tt.decorate(req)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
			if (tt.status == http.StatusOK) != called {
				t.Errorf("Inner handler called=%v for status %d", called, tt.status)
			}
		})
	}
}

func TestMiddleware_CallerAuth_RevokedKey(t *testing.T) {
	t.Parallel()
	keys, err := keystore.Open(filepath.Join(t.TempDir(), "apikeys.json"))
	if err != nil {
		t.Fatalf("Failed to open key store: %v", err)
	}
	issued, err := keys.Issue("tester")
	if err != nil {
		t.Fatalf("Failed to issue key: %v", err)
	}
	if _, err := keys.Revoke(issued.ID); err != nil {
		t.Fatalf("Failed to revoke key: %v", err)
	}

	handler := CallerAuthMiddleware(keys)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", issued.Secret)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected revoked key rejected, got %d", w.Code)
	}
}

func TestMiddleware_AdminAuth(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	t.Run("unconfigured secret refuses everything", func(t *testing.T) {
		t.Parallel()
		handler := AdminAuthMiddleware("")(inner)
		req := httptest.NewRequest(http.MethodGet, "/v1/admin/keys", nil)
		req.Header.Set("X-Admin-Secret", "")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		handler := AdminAuthMiddleware("correct")(inner)
		req := httptest.NewRequest(http.MethodGet, "/v1/admin/keys", nil)
		req.Header.Set("X-Admin-Secret", "incorrect")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
		}
	})

	t.Run("correct secret", func(t *testing.T) {
		t.Parallel()
		handler := AdminAuthMiddleware("correct")(inner)
		req := httptest.NewRequest(http.MethodGet, "/v1/admin/keys", nil)
		req.Header.Set("X-Admin-Secret", "correct")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
		}
	})
}
