package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/bandstand/internal/auth"
	"github.com/hitoshi/bandstand/internal/middleware"
	"github.com/hitoshi/bandstand/internal/model"
)

func withSession(req *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithSession(req.Context(), "token-"+userID, &model.IdentitySession{
		AccessToken: "token-" + userID,
		User:        model.IdentityUser{ID: userID, Email: userID + "@example.com", EmailVerified: true},
	})
	return req.WithContext(ctx)
}

func TestOnboardingHandler_GetState_ReturnsStateAndRoute(t *testing.T) {
	cont := &mockContinuation{
		resolveFn: func(_ context.Context, token string) (*auth.Outcome, error) {
			if token != "token-1" {
				t.Errorf("token = %q, want token-1", token)
			}
			return &auth.Outcome{State: auth.StateSessionProfileNoRole, Profile: &model.Profile{ID: "user-1"}}, nil
		},
	}
	h := NewOnboardingHandler(&mockOnboardingService{}, cont)

	req := httptest.NewRequest(http.MethodGet, "/signup/continue", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "token-1"})
	rec := httptest.NewRecorder()
	h.GetState(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp continuationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.State != auth.StateSessionProfileNoRole || resp.Next != auth.RouteRolePicker {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Profile == nil || resp.Profile.ID != "user-1" {
		t.Errorf("Profile = %+v", resp.Profile)
	}
}

func TestOnboardingHandler_GetState_NoCookieIsNoSession(t *testing.T) {
	h := NewOnboardingHandler(&mockOnboardingService{}, &mockContinuation{})

	rec := httptest.NewRecorder()
	h.GetState(rec, httptest.NewRequest(http.MethodGet, "/signup/continue", nil))

	var resp continuationResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.State != auth.StateNoSession || resp.Next != auth.RouteLogin {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestOnboardingHandler_GetState_StoreUnavailable(t *testing.T) {
	cont := &mockContinuation{
		resolveFn: func(context.Context, string) (*auth.Outcome, error) {
			return nil, &model.RepoError{Kind: model.RepoUnavailable}
		},
	}
	h := NewOnboardingHandler(&mockOnboardingService{}, cont)

	rec := httptest.NewRecorder()
	h.GetState(rec, httptest.NewRequest(http.MethodGet, "/signup/continue", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
}

func TestOnboardingHandler_Complete_Success(t *testing.T) {
	var gotIdentity model.IdentityUser
	var gotDetails auth.OnboardingDetails
	svc := &mockOnboardingService{
		completeFn: func(_ context.Context, identity model.IdentityUser, details auth.OnboardingDetails, deviceID string) (*model.Profile, error) {
			gotIdentity, gotDetails = identity, details
			if deviceID != "device-1" {
				t.Errorf("deviceID = %q", deviceID)
			}
			return &model.Profile{ID: identity.ID, Role: details.Role, Pricing: details.Pricing}, nil
		},
	}
	h := NewOnboardingHandler(svc, &mockContinuation{})

	req := withSession(jsonRequest(http.MethodPost, "/signup/continue",
		`{"role":"provider","pricing":"5000/h","social_links":{"instagram":"https://instagram.com/x"}}`), "user-1")
	rec := httptest.NewRecorder()
	h.Complete(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotIdentity.ID != "user-1" || gotDetails.Role != model.RoleProvider || gotDetails.Pricing != "5000/h" {
		t.Errorf("unexpected args: identity=%+v details=%+v", gotIdentity, gotDetails)
	}
	if gotDetails.SocialLinks["instagram"] != "https://instagram.com/x" {
		t.Errorf("SocialLinks = %v", gotDetails.SocialLinks)
	}

	var resp continuationResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.State != auth.StateSessionProfileWithRole || resp.Next != auth.RouteHome {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestOnboardingHandler_Complete_InvalidRole(t *testing.T) {
	called := false
	svc := &mockOnboardingService{
		completeFn: func(context.Context, model.IdentityUser, auth.OnboardingDetails, string) (*model.Profile, error) {
			called = true
			return nil, nil
		},
	}
	h := NewOnboardingHandler(svc, &mockContinuation{})

	rec := httptest.NewRecorder()
	h.Complete(rec, withSession(jsonRequest(http.MethodPost, "/signup/continue", `{"role":"admin"}`), "user-1"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if called {
		t.Error("service should not be called for an invalid role")
	}
	if body := decodeErrorBody(t, rec); body.Code != model.ErrCodeInvalidRole {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidRole)
	}
}

func TestOnboardingHandler_Complete_MissingRoleIsValidationError(t *testing.T) {
	h := NewOnboardingHandler(&mockOnboardingService{}, &mockContinuation{})

	rec := httptest.NewRecorder()
	h.Complete(rec, withSession(jsonRequest(http.MethodPost, "/signup/continue", `{"bio":"hi"}`), "user-1"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != model.ErrCodeInvalidInput {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidInput)
	}
}

func TestOnboardingHandler_Complete_InvalidSocialLink(t *testing.T) {
	h := NewOnboardingHandler(&mockOnboardingService{}, &mockContinuation{})

	rec := httptest.NewRecorder()
	h.Complete(rec, withSession(jsonRequest(http.MethodPost, "/signup/continue",
		`{"role":"artist","social_links":{"instagram":"not a url"}}`), "user-1"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestOnboardingHandler_Complete_RoleAlreadySet(t *testing.T) {
	svc := &mockOnboardingService{
		completeFn: func(context.Context, model.IdentityUser, auth.OnboardingDetails, string) (*model.Profile, error) {
			return nil, model.NewRoleAlreadySetError(model.RoleArtist)
		},
	}
	h := NewOnboardingHandler(svc, &mockContinuation{})

	rec := httptest.NewRecorder()
	h.Complete(rec, withSession(jsonRequest(http.MethodPost, "/signup/continue", `{"role":"partner"}`), "user-1"))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != model.ErrCodeRoleAlreadySet {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRoleAlreadySet)
	}
}

func TestOnboardingHandler_Complete_NoSession(t *testing.T) {
	h := NewOnboardingHandler(&mockOnboardingService{}, &mockContinuation{})

	rec := httptest.NewRecorder()
	h.Complete(rec, jsonRequest(http.MethodPost, "/signup/continue", `{"role":"artist"}`))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
}
