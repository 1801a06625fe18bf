package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/bandstand/internal/model"
)

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{model.ErrCodeInvalidInput, http.StatusBadRequest},
		{model.ErrCodeInvalidRole, http.StatusBadRequest},
		{model.ErrCodeInvalidVerificationLink, http.StatusBadRequest},
		{model.ErrCodeInvalidCredentials, http.StatusUnauthorized},
		{model.ErrCodeInvalidSession, http.StatusUnauthorized},
		{model.ErrCodeAccountDisabled, http.StatusForbidden},
		{model.ErrCodeVerificationRequired, http.StatusForbidden},
		{model.ErrCodeProfileNotFound, http.StatusNotFound},
		{model.ErrCodeAccountExists, http.StatusConflict},
		{model.ErrCodeRoleAlreadySet, http.StatusConflict},
		{model.ErrCodeProfileConstraint, http.StatusConflict},
		{model.ErrCodeRateLimited, http.StatusTooManyRequests},
		{model.ErrCodeNetwork, http.StatusBadGateway},
		{model.ErrCodeProviderDown, http.StatusServiceUnavailable},
		{model.ErrCodeStoreUnavailable, http.StatusServiceUnavailable},
		{model.ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := mapAPIErrorToHTTPStatus(&model.APIError{Code: tt.code}); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHandleServiceError_WrappedNetworkError(t *testing.T) {
	rec := httptest.NewRecorder()
	handleServiceError(rec, &model.NetworkError{Op: "send", Err: http.ErrHandlerTimeout})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rec.Code)
	}
	if body := decodeErrorBody(t, rec); body.Code != model.ErrCodeNetwork {
		t.Errorf("code = %q", body.Code)
	}
}

func TestDecodeJSON_RejectsOversizedBody(t *testing.T) {
	body := `{"email":"` + strings.Repeat("a", maxRequestBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()

	var dst emailRequest
	if decodeJSON(rec, req, &dst) {
		t.Fatal("expected oversized body to be rejected")
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}

func TestValidateRequest_UsesJSONFieldNames(t *testing.T) {
	apiErr := validateRequest(&signupRequest{Email: "a@b.com"})
	if apiErr == nil {
		t.Fatal("expected validation error")
	}
	if apiErr.Code != model.ErrCodeInvalidInput {
		t.Errorf("code = %q", apiErr.Code)
	}
	if !strings.Contains(apiErr.Message+apiErr.Action, "password") {
		t.Errorf("expected json field name in error, got %+v", apiErr)
	}
}

func TestValidateRequest_Valid(t *testing.T) {
	if apiErr := validateRequest(&loginRequest{Email: "a@b.com", Password: "x"}); apiErr != nil {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}
