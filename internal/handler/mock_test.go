package handler

import (
	"context"
	"sync"

	"github.com/hitoshi/bandstand/internal/auth"
	"github.com/hitoshi/bandstand/internal/authevent"
	"github.com/hitoshi/bandstand/internal/model"
	"github.com/hitoshi/bandstand/internal/sessioncache"
)

// --- モック定義 ---

type mockAuthService struct {
	registerFn           func(ctx context.Context, data auth.SignupData, deviceID string) (*auth.RegisterResult, error)
	loginFn              func(ctx context.Context, creds auth.Credentials, deviceID string) (*auth.LoginResult, error)
	logoutFn             func(ctx context.Context, token, deviceID string) error
	requestResetFn       func(ctx context.Context, email string) error
	updatePasswordFn     func(ctx context.Context, token, newPassword string) error
	verifyEmailFn        func(ctx context.Context, token string) (*model.Profile, error)
	resendVerificationFn func(ctx context.Context, email string) error
	startOAuthFn         func(ctx context.Context, provider, returnTo string) (*auth.OAuthRedirect, error)
	exchangeOAuthFn      func(ctx context.Context, initCode, returnToCode string) (*model.IdentitySession, error)

	mu         sync.Mutex
	remembered []*model.Profile
}

func (m *mockAuthService) Register(ctx context.Context, data auth.SignupData, deviceID string) (*auth.RegisterResult, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, data, deviceID)
	}
	return &auth.RegisterResult{}, nil
}

func (m *mockAuthService) Login(ctx context.Context, creds auth.Credentials, deviceID string) (*auth.LoginResult, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, creds, deviceID)
	}
	return nil, model.NewAuthError(model.AuthInvalidCredentials, nil)
}

func (m *mockAuthService) Logout(ctx context.Context, token, deviceID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, token, deviceID)
	}
	return nil
}

func (m *mockAuthService) RequestPasswordReset(ctx context.Context, email string) error {
	if m.requestResetFn != nil {
		return m.requestResetFn(ctx, email)
	}
	return nil
}

func (m *mockAuthService) UpdatePassword(ctx context.Context, token, newPassword string) error {
	if m.updatePasswordFn != nil {
		return m.updatePasswordFn(ctx, token, newPassword)
	}
	return nil
}

func (m *mockAuthService) VerifyEmail(ctx context.Context, token string) (*model.Profile, error) {
	if m.verifyEmailFn != nil {
		return m.verifyEmailFn(ctx, token)
	}
	return &model.Profile{}, nil
}

func (m *mockAuthService) ResendVerification(ctx context.Context, email string) error {
	if m.resendVerificationFn != nil {
		return m.resendVerificationFn(ctx, email)
	}
	return nil
}

func (m *mockAuthService) StartOAuth(ctx context.Context, provider, returnTo string) (*auth.OAuthRedirect, error) {
	if m.startOAuthFn != nil {
		return m.startOAuthFn(ctx, provider, returnTo)
	}
	return &auth.OAuthRedirect{}, nil
}

func (m *mockAuthService) ExchangeOAuth(ctx context.Context, initCode, returnToCode string) (*model.IdentitySession, error) {
	if m.exchangeOAuthFn != nil {
		return m.exchangeOAuthFn(ctx, initCode, returnToCode)
	}
	return nil, model.NewAuthError(model.AuthInvalidSession, nil)
}

func (m *mockAuthService) Remember(_ context.Context, _ string, profile *model.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remembered = append(m.remembered, profile)
}

type mockContinuation struct {
	resolveFn func(ctx context.Context, token string) (*auth.Outcome, error)
}

func (m *mockContinuation) Resolve(ctx context.Context, token string) (*auth.Outcome, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, token)
	}
	return &auth.Outcome{State: auth.StateNoSession}, nil
}

type mockOnboardingService struct {
	completeFn func(ctx context.Context, identity model.IdentityUser, details auth.OnboardingDetails, deviceID string) (*model.Profile, error)
}

func (m *mockOnboardingService) CompleteOnboarding(ctx context.Context, identity model.IdentityUser, details auth.OnboardingDetails, deviceID string) (*model.Profile, error) {
	if m.completeFn != nil {
		return m.completeFn(ctx, identity, details, deviceID)
	}
	return &model.Profile{ID: identity.ID, Role: details.Role}, nil
}

type mockSessionStore struct {
	getFn           func(ctx context.Context, deviceID string) (*sessioncache.Entry, error)
	setAuthorizedFn func(ctx context.Context, deviceID string, authorized bool) error
}

func (m *mockSessionStore) Get(ctx context.Context, deviceID string) (*sessioncache.Entry, error) {
	if m.getFn != nil {
		return m.getFn(ctx, deviceID)
	}
	return &sessioncache.Entry{}, nil
}

func (m *mockSessionStore) SetAuthorized(ctx context.Context, deviceID string, authorized bool) error {
	if m.setAuthorizedFn != nil {
		return m.setAuthorizedFn(ctx, deviceID, authorized)
	}
	return nil
}

type mockUserService struct {
	withdrawFn func(ctx context.Context, userID string) error
}

func (m *mockUserService) Withdraw(ctx context.Context, userID string) error {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, userID)
	}
	return nil
}

type mockProfileReader struct {
	currentProfileFn func(ctx context.Context, userID, deviceID string) (*model.Profile, error)
}

func (m *mockProfileReader) CurrentProfile(ctx context.Context, userID, deviceID string) (*model.Profile, error) {
	if m.currentProfileFn != nil {
		return m.currentProfileFn(ctx, userID, deviceID)
	}
	return &model.Profile{ID: userID}, nil
}

type mockSessionResolver struct {
	getSessionFn func(ctx context.Context, token string) (*model.IdentitySession, error)
}

func (m *mockSessionResolver) GetSession(ctx context.Context, token string) (*model.IdentitySession, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, token)
	}
	return nil, nil
}

// compile-time interface checks
var (
	_ AuthServiceInterface       = (*mockAuthService)(nil)
	_ ContinuationResolver       = (*mockContinuation)(nil)
	_ OnboardingServiceInterface = (*mockOnboardingService)(nil)
	_ SessionStoreInterface      = (*mockSessionStore)(nil)
	_ EventSubscriber            = (*authevent.Bus)(nil)
	_ UserServiceInterface       = (*mockUserService)(nil)
	_ ProfileReader              = (*mockProfileReader)(nil)
)
