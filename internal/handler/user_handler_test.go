package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/bandstand/internal/middleware"
	"github.com/hitoshi/bandstand/internal/model"
)

func TestUserHandler_Me_ReturnsProfile(t *testing.T) {
	reader := &mockProfileReader{
		currentProfileFn: func(_ context.Context, userID, deviceID string) (*model.Profile, error) {
			if deviceID != "device-1" {
				t.Errorf("deviceID = %q", deviceID)
			}
			return &model.Profile{ID: userID, Email: "a@b.com", Role: model.RoleArtist}, nil
		},
	}
	h := NewUserHandler(&mockUserService{}, reader, testAuthConfig)

	rec := httptest.NewRecorder()
	h.Me(rec, withSession(jsonRequest(http.MethodGet, "/api/me", ""), "user-1"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var p model.Profile
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if p.ID != "user-1" || p.Role != model.RoleArtist {
		t.Errorf("unexpected profile: %+v", p)
	}
}

func TestUserHandler_Me_ProfileNotFound(t *testing.T) {
	reader := &mockProfileReader{
		currentProfileFn: func(context.Context, string, string) (*model.Profile, error) {
			return nil, &model.RepoError{Kind: model.RepoNotFound, ID: "user-1"}
		},
	}
	h := NewUserHandler(&mockUserService{}, reader, testAuthConfig)

	rec := httptest.NewRecorder()
	h.Me(rec, withSession(jsonRequest(http.MethodGet, "/api/me", ""), "user-1"))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestUserHandler_Me_NoUser(t *testing.T) {
	h := NewUserHandler(&mockUserService{}, &mockProfileReader{}, testAuthConfig)

	rec := httptest.NewRecorder()
	h.Me(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
}

func TestUserHandler_Withdraw_ClearsCookie(t *testing.T) {
	var gotUserID string
	svc := &mockUserService{
		withdrawFn: func(_ context.Context, userID string) error {
			gotUserID = userID
			return nil
		},
	}
	h := NewUserHandler(svc, &mockProfileReader{}, testAuthConfig)

	rec := httptest.NewRecorder()
	h.Withdraw(rec, withSession(jsonRequest(http.MethodDelete, "/api/users/me", ""), "user-1"))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if gotUserID != "user-1" {
		t.Errorf("userID = %q", gotUserID)
	}
	if c := findCookie(rec, middleware.SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("expected session cookie to be cleared, got %+v", c)
	}
}

func TestUserHandler_Withdraw_FailureKeepsCookie(t *testing.T) {
	svc := &mockUserService{
		withdrawFn: func(context.Context, string) error {
			return errors.New("idp down")
		},
	}
	h := NewUserHandler(svc, &mockProfileReader{}, testAuthConfig)

	rec := httptest.NewRecorder()
	h.Withdraw(rec, withSession(jsonRequest(http.MethodDelete, "/api/users/me", ""), "user-1"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if findCookie(rec, middleware.SessionCookieName) != nil {
		t.Error("session cookie should be kept so the withdrawal can be retried")
	}
	if body := decodeErrorBody(t, rec); body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q", body.Code)
	}
}
