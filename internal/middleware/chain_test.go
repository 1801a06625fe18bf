package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/bandstand/internal/model"
)

func validSessionResolver(userID string) *mockSessionResolver {
	return &mockSessionResolver{
		getSessionFn: func(ctx context.Context, token string) (*model.IdentitySession, error) {
			return &model.IdentitySession{
				AccessToken: token,
				ExpiresAt:   time.Now().Add(1 * time.Hour),
				User:        model.IdentityUser{ID: userID},
			}, nil
		},
	}
}

// TestMiddlewareChain_DeviceThenSession は
// Device -> Session の順でデバイスIDとユーザーIDの両方が注入されることを検証する。
func TestMiddlewareChain_DeviceThenSession(t *testing.T) {
	deviceMW := NewDeviceMiddleware(DeviceConfig{})
	sessionMW := NewSessionMiddleware(validSessionResolver("user-chain-test"))

	var capturedUserID, capturedDeviceID string
	handler := deviceMW(sessionMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedUserID, _ = UserIDFromContext(r.Context())
		capturedDeviceID = DeviceIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-token"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if capturedUserID != "user-chain-test" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-chain-test")
	}
	if capturedDeviceID == "" {
		t.Error("device id should be injected before the session middleware")
	}
}

// TestMiddlewareChain_Session_POSTRequest_WithValidSession は
// Session ミドルウェアでPOSTリクエストがセッション付きで通ることを検証する。
func TestMiddlewareChain_Session_POSTRequest_WithValidSession(t *testing.T) {
	sessionMW := NewSessionMiddleware(validSessionResolver("user-post-test"))

	handlerCalled := false
	handler := sessionMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/signup/continue", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-token"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !handlerCalled {
		t.Error("handler should have been called")
	}
}

// TestMiddlewareChain_NoSession_Returns401 は
// セッションがない場合に401が返されることを検証する。
func TestMiddlewareChain_NoSession_Returns401(t *testing.T) {
	sessionMW := NewSessionMiddleware(&mockSessionResolver{})

	handler := sessionMW(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodPost, "/signup/continue", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
