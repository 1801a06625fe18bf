package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/bandstand/internal/auth"
	"github.com/hitoshi/bandstand/internal/middleware"
	"github.com/hitoshi/bandstand/internal/model"
)

// OnboardingServiceInterface はオンボーディングハンドラーが必要とするサービスインターフェース。
type OnboardingServiceInterface interface {
	CompleteOnboarding(ctx context.Context, identity model.IdentityUser, details auth.OnboardingDetails, deviceID string) (*model.Profile, error)
}

// OnboardingHandler は登録継続ページ（/signup/continue）のHTTPハンドラー。
type OnboardingHandler struct {
	service      OnboardingServiceInterface
	continuation ContinuationResolver
}

// NewOnboardingHandler はOnboardingHandlerを生成する。
func NewOnboardingHandler(service OnboardingServiceInterface, continuation ContinuationResolver) *OnboardingHandler {
	return &OnboardingHandler{
		service:      service,
		continuation: continuation,
	}
}

type onboardingRequest struct {
	Role               string            `json:"role" validate:"required,oneof=artist provider partner"`
	DisplayName        string            `json:"display_name" validate:"max=100"`
	FirstName          string            `json:"first_name" validate:"max=100"`
	LastName           string            `json:"last_name" validate:"max=100"`
	Category           string            `json:"category" validate:"max=100"`
	Subcategory        string            `json:"subcategory" validate:"max=100"`
	Bio                string            `json:"bio" validate:"max=2000"`
	Location           string            `json:"location" validate:"max=200"`
	PortfolioURL       string            `json:"portfolio_url" validate:"omitempty,url,max=2048"`
	SocialLinks        map[string]string `json:"social_links" validate:"omitempty,max=10,dive,keys,max=50,endkeys,url,max=2048"`
	MusicStyle         string            `json:"music_style" validate:"max=200"`
	Pricing            string            `json:"pricing" validate:"max=200"`
	ServiceDescription string            `json:"service_description" validate:"max=2000"`
}

// continuationResponse は状態解決の結果。
type continuationResponse struct {
	State   auth.State     `json:"state"`
	Next    string         `json:"next"`
	Profile *model.Profile `json:"profile,omitempty"`
}

// GetState は現在のセッションの状態と遷移先を返す。
// GET /signup/continue
func (h *OnboardingHandler) GetState(w http.ResponseWriter, r *http.Request) {
	token := ""
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil {
		token = cookie.Value
	}

	outcome, err := h.continuation.Resolve(r.Context(), token)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, continuationResponse{
		State:   outcome.State,
		Next:    outcome.Route(),
		Profile: outcome.Profile,
	})
}

// Complete は役割と詳細情報を登録してオンボーディングを完了する。
// POST /signup/continue
func (h *OnboardingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req onboardingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		if req.Role != "" && !model.Role(req.Role).Valid() {
			apiErr = model.NewInvalidRoleError(req.Role)
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	profile, err := h.service.CompleteOnboarding(r.Context(), session.User, auth.OnboardingDetails{
		Role:               model.Role(req.Role),
		DisplayName:        req.DisplayName,
		FirstName:          req.FirstName,
		LastName:           req.LastName,
		Category:           req.Category,
		Subcategory:        req.Subcategory,
		Bio:                req.Bio,
		Location:           req.Location,
		PortfolioURL:       req.PortfolioURL,
		SocialLinks:        req.SocialLinks,
		MusicStyle:         req.MusicStyle,
		Pricing:            req.Pricing,
		ServiceDescription: req.ServiceDescription,
	}, middleware.DeviceIDFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	state := auth.ResolveState(session, profile, nil)
	writeJSON(w, http.StatusOK, continuationResponse{
		State:   state,
		Next:    state.Route(),
		Profile: profile,
	})
}
