package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/bandstand/internal/authevent"
	"github.com/hitoshi/bandstand/internal/model"
)

// --- モック定義 ---

type mockProvider struct {
	signUpFn         func(ctx context.Context, email, password string, metadata map[string]any) (*model.IdentitySession, error)
	signInFn         func(ctx context.Context, email, password string) (*model.IdentitySession, error)
	signInOAuthFn    func(ctx context.Context, provider, returnTo string) (*OAuthRedirect, error)
	exchangeFn       func(ctx context.Context, initCode, returnToCode string) (*model.IdentitySession, error)
	getSessionFn     func(ctx context.Context, token string) (*model.IdentitySession, error)
	getUserFn        func(ctx context.Context, token string) (*model.IdentityUser, error)
	signOutFn        func(ctx context.Context, token string) error
	updatePasswordFn func(ctx context.Context, token, newPassword string) error
	deleteUserFn     func(ctx context.Context, userID string) error
	recoveryLinkFn   func(ctx context.Context, userID string) (string, error)

	mu            sync.Mutex
	deleteCalls   int
	signOutTokens []string
}

func (m *mockProvider) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*model.IdentitySession, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, metadata)
	}
	return &model.IdentitySession{User: model.IdentityUser{ID: "user-1", Email: email}}, nil
}

func (m *mockProvider) SignIn(ctx context.Context, email, password string) (*model.IdentitySession, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, model.NewAuthError(model.AuthInvalidCredentials, nil)
}

func (m *mockProvider) SignInWithOAuth(ctx context.Context, provider, returnTo string) (*OAuthRedirect, error) {
	if m.signInOAuthFn != nil {
		return m.signInOAuthFn(ctx, provider, returnTo)
	}
	return &OAuthRedirect{URL: "https://accounts.example.com/auth", InitCode: "init"}, nil
}

func (m *mockProvider) ExchangeOAuthCode(ctx context.Context, initCode, returnToCode string) (*model.IdentitySession, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, initCode, returnToCode)
	}
	return nil, model.NewAuthError(model.AuthInvalidSession, nil)
}

func (m *mockProvider) GetSession(ctx context.Context, token string) (*model.IdentitySession, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, token)
	}
	return nil, nil
}

func (m *mockProvider) GetUser(ctx context.Context, token string) (*model.IdentityUser, error) {
	if m.getUserFn != nil {
		return m.getUserFn(ctx, token)
	}
	s, err := m.GetSession(ctx, token)
	if err != nil || s == nil {
		return nil, err
	}
	return &s.User, nil
}

func (m *mockProvider) SignOut(ctx context.Context, token string) error {
	m.mu.Lock()
	m.signOutTokens = append(m.signOutTokens, token)
	m.mu.Unlock()
	if m.signOutFn != nil {
		return m.signOutFn(ctx, token)
	}
	return nil
}

func (m *mockProvider) UpdatePassword(ctx context.Context, token, newPassword string) error {
	if m.updatePasswordFn != nil {
		return m.updatePasswordFn(ctx, token, newPassword)
	}
	return nil
}

func (m *mockProvider) DeleteUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	m.deleteCalls++
	m.mu.Unlock()
	if m.deleteUserFn != nil {
		return m.deleteUserFn(ctx, userID)
	}
	return nil
}

func (m *mockProvider) Refresh(_ context.Context, session *model.IdentitySession) (*model.IdentitySession, error) {
	return session, nil
}

func (m *mockProvider) RecoveryLink(ctx context.Context, userID string) (string, error) {
	if m.recoveryLinkFn != nil {
		return m.recoveryLinkFn(ctx, userID)
	}
	return "https://id.example.com/recovery?code=" + userID, nil
}

// memoryProfileRepo はテスト用のインメモリProfileRepository。
type memoryProfileRepo struct {
	mu       sync.Mutex
	profiles map[string]*model.Profile

	createErr   error
	findErr     error
	updateCalls int

	// findHook はFindByIDの先頭でロックの外から呼ばれる。
	findHook func(ctx context.Context) error
}

func newMemoryProfileRepo() *memoryProfileRepo {
	return &memoryProfileRepo{profiles: map[string]*model.Profile{}}
}

func (r *memoryProfileRepo) Create(_ context.Context, profile *model.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.profiles[profile.ID]; ok {
		return &model.RepoError{Kind: model.RepoConstraint, ID: profile.ID}
	}
	r.profiles[profile.ID] = profile.Clone()
	return nil
}

func (r *memoryProfileRepo) CreateIfAbsent(_ context.Context, profile *model.Profile) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[profile.ID]; ok {
		return false, nil
	}
	r.profiles[profile.ID] = profile.Clone()
	return true, nil
}

func (r *memoryProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	if r.findHook != nil {
		if err := r.findHook(ctx); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.profiles[id].Clone(), nil
}

func (r *memoryProfileRepo) FindByEmail(_ context.Context, email string) (*model.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.profiles {
		if strings.EqualFold(p.Email, email) {
			return p.Clone(), nil
		}
	}
	return nil, nil
}

func (r *memoryProfileRepo) Update(_ context.Context, id string, update model.ProfileUpdate) (*model.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateCalls++
	p, ok := r.profiles[id]
	if !ok {
		return nil, nil
	}
	update.Apply(p)
	p.UpdatedAt = time.Now()
	return p.Clone(), nil
}

func (r *memoryProfileRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[id]; !ok {
		return &model.RepoError{Kind: model.RepoNotFound, ID: id}
	}
	delete(r.profiles, id)
	return nil
}

func (r *memoryProfileRepo) ListAbandonedSignups(_ context.Context, _ time.Time, _ int) ([]*model.Profile, error) {
	return nil, nil
}

func (r *memoryProfileRepo) get(id string) *model.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profiles[id].Clone()
}

func (r *memoryProfileRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.profiles)
}

type mockNotifier struct {
	mu            sync.Mutex
	welcome       []string
	verification  []string
	passwordReset []string
}

func (n *mockNotifier) SendWelcome(_ context.Context, email, _ string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcome = append(n.welcome, email)
	return true
}

func (n *mockNotifier) SendVerification(_ context.Context, _, link string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verification = append(n.verification, link)
	return true
}

func (n *mockNotifier) SendPasswordReset(_ context.Context, _, link string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.passwordReset = append(n.passwordReset, link)
	return true
}

func (n *mockNotifier) welcomeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.welcome)
}

type mockCache struct {
	mu      sync.Mutex
	entries map[string]*model.Profile
}

func newMockCache() *mockCache {
	return &mockCache{entries: map[string]*model.Profile{}}
}

func (c *mockCache) PutUser(_ context.Context, deviceID string, profile *model.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[deviceID] = profile.Clone()
	return nil
}

func (c *mockCache) DeleteUser(_ context.Context, deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, deviceID)
	return nil
}

func (c *mockCache) get(deviceID string) *model.Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[deviceID]
}

type mockPublisher struct {
	mu      sync.Mutex
	changes []authevent.Change
}

func (p *mockPublisher) Publish(change authevent.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
}

func (p *mockPublisher) last() authevent.Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.changes) == 0 {
		return authevent.Change{}
	}
	return p.changes[len(p.changes)-1]
}

type mockRecorder struct {
	mu            sync.Mutex
	auth          []string
	continuations []string
}

func (r *mockRecorder) RecordAuth(operation, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth = append(r.auth, operation+":"+outcome)
}

func (r *mockRecorder) RecordContinuation(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.continuations = append(r.continuations, state)
}
