package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	kratosclient "github.com/ory/kratos-client-go"

	"github.com/hitoshi/bandstand/internal/model"
)

// Kratos呼び出しの操作名。ログとエラー分類に使う。
const (
	opSignUp         = "sign_up"
	opSignIn         = "sign_in"
	opOAuthStart     = "oauth_start"
	opOAuthExchange  = "oauth_exchange"
	opGetSession     = "get_session"
	opSignOut        = "sign_out"
	opUpdatePassword = "update_password"
	opDeleteUser     = "delete_user"
	opRefresh        = "refresh"
	opRecoveryLink   = "recovery_link"
)

// KratosProvider はOry Kratosのネイティブ(API)フローを使うIdentityProviderの実装。
// ブラウザとKratosの間ではなくサーバーとKratosの間でフローを完結させ、
// セッショントークンをサーバー側のCookieで保持する。
type KratosProvider struct {
	public *kratosclient.APIClient
	admin  *kratosclient.APIClient
	logger *slog.Logger
}

// NewKratosProvider はKratosProviderを生成する。
// httpClientのタイムアウトがIdP呼び出しのタイムアウトになる。
func NewKratosProvider(publicURL, adminURL string, httpClient *http.Client, logger *slog.Logger) *KratosProvider {
	return &KratosProvider{
		public: newKratosClient(publicURL, httpClient),
		admin:  newKratosClient(adminURL, httpClient),
		logger: logger,
	}
}

func newKratosClient(url string, httpClient *http.Client) *kratosclient.APIClient {
	cfg := kratosclient.NewConfiguration()
	cfg.Servers = kratosclient.ServerConfigurations{{URL: strings.TrimRight(url, "/")}}
	cfg.HTTPClient = httpClient
	cfg.UserAgent = "Bandstand/1.0"
	return kratosclient.NewAPIClient(cfg)
}

// SignUp はネイティブ登録フローでアカウントを作成する。
// metadataはemail以外のtraitsとして登録する。
func (p *KratosProvider) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*model.IdentitySession, error) {
	flow, resp, err := p.public.FrontendAPI.CreateNativeRegistrationFlow(ctx).Execute()
	if err != nil {
		return nil, p.fail(opSignUp, err, resp)
	}

	traits := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		traits[k] = v
	}
	traits["email"] = email

	body := kratosclient.UpdateRegistrationFlowWithPasswordMethod{
		Method:   "password",
		Password: password,
		Traits:   traits,
	}
	result, resp, err := p.public.FrontendAPI.
		UpdateRegistrationFlow(ctx).
		Flow(flow.Id).
		UpdateRegistrationFlowBody(kratosclient.UpdateRegistrationFlowWithPasswordMethodAsUpdateRegistrationFlowBody(&body)).
		Execute()
	if err != nil {
		return nil, p.fail(opSignUp, err, resp)
	}

	identity := result.GetIdentity()
	session := &model.IdentitySession{
		AccessToken: result.GetSessionToken(),
		User:        toIdentityUser(&identity),
	}
	if s, ok := result.GetSessionOk(); ok && s != nil {
		session.RefreshToken = s.Id
		session.ExpiresAt = s.GetExpiresAt()
	}

	p.logger.Info("Kratosにアカウントを作成しました",
		slog.String("user_id", session.User.ID),
		slog.Bool("session_issued", session.AccessToken != ""),
	)
	return session, nil
}

// SignIn はネイティブログインフローでパスワード認証する。
func (p *KratosProvider) SignIn(ctx context.Context, email, password string) (*model.IdentitySession, error) {
	flow, resp, err := p.public.FrontendAPI.CreateNativeLoginFlow(ctx).Execute()
	if err != nil {
		return nil, p.fail(opSignIn, err, resp)
	}

	body := kratosclient.UpdateLoginFlowWithPasswordMethod{
		Identifier: email,
		Method:     "password",
		Password:   password,
	}
	result, resp, err := p.public.FrontendAPI.
		UpdateLoginFlow(ctx).
		Flow(flow.Id).
		UpdateLoginFlowBody(kratosclient.UpdateLoginFlowWithPasswordMethodAsUpdateLoginFlowBody(&body)).
		Execute()
	if err != nil {
		return nil, p.fail(opSignIn, err, resp)
	}

	session := result.GetSession()
	return toIdentitySession(result.GetSessionToken(), &session), nil
}

// SignInWithOAuth はOIDCログインを開始する。
// Kratosはネイティブフローに対して422とリダイレクト先を返すため、それを成功として扱う。
// リダイレクト後はreturnToにコードが付与され、InitCodeと合わせてセッションに交換する。
func (p *KratosProvider) SignInWithOAuth(ctx context.Context, provider, returnTo string) (*OAuthRedirect, error) {
	flow, resp, err := p.public.FrontendAPI.
		CreateNativeLoginFlow(ctx).
		ReturnSessionTokenExchangeCode(true).
		ReturnTo(returnTo).
		Execute()
	if err != nil {
		return nil, p.fail(opOAuthStart, err, resp)
	}

	body := kratosclient.UpdateLoginFlowWithOidcMethod{
		Method:   "oidc",
		Provider: provider,
	}
	_, resp, err = p.public.FrontendAPI.
		UpdateLoginFlow(ctx).
		Flow(flow.Id).
		UpdateLoginFlowBody(kratosclient.UpdateLoginFlowWithOidcMethodAsUpdateLoginFlowBody(&body)).
		Execute()
	if err == nil {
		return nil, model.NewAuthError(model.AuthProviderDown, fmt.Errorf("oidc login for %q returned no redirect", provider))
	}
	if httpStatus(resp) == http.StatusUnprocessableEntity {
		if to := parseFlowError(err).RedirectBrowserTo; to != "" {
			return &OAuthRedirect{URL: to, InitCode: flow.GetSessionTokenExchangeCode()}, nil
		}
	}
	return nil, p.fail(opOAuthStart, err, resp)
}

// ExchangeOAuthCode はOAuthリダイレクト後のコードをセッショントークンに交換する。
func (p *KratosProvider) ExchangeOAuthCode(ctx context.Context, initCode, returnToCode string) (*model.IdentitySession, error) {
	result, resp, err := p.public.FrontendAPI.
		ExchangeSessionToken(ctx).
		InitCode(initCode).
		ReturnToCode(returnToCode).
		Execute()
	if err != nil {
		return nil, p.fail(opOAuthExchange, err, resp)
	}

	session := result.GetSession()
	return toIdentitySession(result.GetSessionToken(), &session), nil
}

// GetSession はセッショントークンを検証してセッションを返す。
// 無効なトークンはエラーではなくnil, nilとして返す。
func (p *KratosProvider) GetSession(ctx context.Context, token string) (*model.IdentitySession, error) {
	if token == "" {
		return nil, nil
	}

	s, resp, err := p.public.FrontendAPI.ToSession(ctx).XSessionToken(token).Execute()
	if err != nil {
		switch httpStatus(resp) {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, nil
		}
		return nil, p.fail(opGetSession, err, resp)
	}
	if !s.GetActive() {
		return nil, nil
	}
	return toIdentitySession(token, s), nil
}

// GetUser はセッショントークンに対応するユーザーを返す。
func (p *KratosProvider) GetUser(ctx context.Context, token string) (*model.IdentityUser, error) {
	session, err := p.GetSession(ctx, token)
	if err != nil || session == nil {
		return nil, err
	}
	return &session.User, nil
}

// SignOut はセッショントークンを無効化する。
func (p *KratosProvider) SignOut(ctx context.Context, token string) error {
	resp, err := p.public.FrontendAPI.
		PerformNativeLogout(ctx).
		PerformNativeLogoutBody(*kratosclient.NewPerformNativeLogoutBody(token)).
		Execute()
	if err != nil {
		return p.fail(opSignOut, err, resp)
	}
	return nil
}

// UpdatePassword はネイティブ設定フローでパスワードを変更する。
// 直近にログインしていないセッションではKratosが再認証を要求し、無効なセッションとして返る。
func (p *KratosProvider) UpdatePassword(ctx context.Context, token, newPassword string) error {
	flow, resp, err := p.public.FrontendAPI.CreateNativeSettingsFlow(ctx).XSessionToken(token).Execute()
	if err != nil {
		return p.fail(opUpdatePassword, err, resp)
	}

	body := kratosclient.UpdateSettingsFlowWithPasswordMethod{
		Method:   "password",
		Password: newPassword,
	}
	_, resp, err = p.public.FrontendAPI.
		UpdateSettingsFlow(ctx).
		Flow(flow.Id).
		XSessionToken(token).
		UpdateSettingsFlowBody(kratosclient.UpdateSettingsFlowWithPasswordMethodAsUpdateSettingsFlowBody(&body)).
		Execute()
	if err != nil {
		return p.fail(opUpdatePassword, err, resp)
	}
	return nil
}

// DeleteUser は管理APIでアイデンティティを削除する。
func (p *KratosProvider) DeleteUser(ctx context.Context, userID string) error {
	resp, err := p.admin.IdentityAPI.DeleteIdentity(ctx, userID).Execute()
	if err != nil {
		if httpStatus(resp) == http.StatusNotFound {
			return nil
		}
		return p.fail(opDeleteUser, err, resp)
	}
	return nil
}

// Refresh は管理APIでセッションを延長する。
// KratosのバージョンによってはExtendSessionがボディを返さないため、その場合は取り直す。
func (p *KratosProvider) Refresh(ctx context.Context, session *model.IdentitySession) (*model.IdentitySession, error) {
	if session == nil || session.RefreshToken == "" {
		return nil, model.NewAuthError(model.AuthInvalidSession, fmt.Errorf("session id is required"))
	}

	s, resp, err := p.admin.IdentityAPI.ExtendSession(ctx, session.RefreshToken).Execute()
	if err != nil {
		return nil, p.fail(opRefresh, err, resp)
	}
	if s == nil {
		refreshed, err := p.GetSession(ctx, session.AccessToken)
		if err != nil {
			return nil, err
		}
		if refreshed == nil {
			return nil, model.NewAuthError(model.AuthInvalidSession, nil)
		}
		return refreshed, nil
	}
	return toIdentitySession(session.AccessToken, s), nil
}

// RecoveryLink は管理APIでパスワード再設定リンクを発行する。
func (p *KratosProvider) RecoveryLink(ctx context.Context, userID string) (string, error) {
	link, resp, err := p.admin.IdentityAPI.
		CreateRecoveryLinkForIdentity(ctx).
		CreateRecoveryLinkForIdentityBody(*kratosclient.NewCreateRecoveryLinkForIdentityBody(userID)).
		Execute()
	if err != nil {
		return "", p.fail(opRecoveryLink, err, resp)
	}
	return link.GetRecoveryLink(), nil
}

// fail は失敗をログに記録し、型付きエラーに変換する。
func (p *KratosProvider) fail(op string, err error, resp *http.Response) error {
	p.logger.Warn("Kratosの呼び出しに失敗しました",
		slog.String("op", op),
		slog.Int("status", httpStatus(resp)),
		slog.String("error", err.Error()),
	)
	return classifyKratosError(op, err, resp)
}

// toIdentitySession はKratosのセッションをドメインのセッションに変換する。
func toIdentitySession(token string, s *kratosclient.Session) *model.IdentitySession {
	session := &model.IdentitySession{
		AccessToken:  token,
		RefreshToken: s.Id,
		ExpiresAt:    s.GetExpiresAt(),
	}
	if identity, ok := s.GetIdentityOk(); ok && identity != nil {
		session.User = toIdentityUser(identity)
	}
	return session
}

// toIdentityUser はKratosのアイデンティティをドメインのユーザーに変換する。
// traitsのemail以外の項目とmetadata_publicをMetadataに入れる。
func toIdentityUser(identity *kratosclient.Identity) model.IdentityUser {
	user := model.IdentityUser{
		ID:       identity.Id,
		Metadata: map[string]any{},
	}

	if traits, ok := identity.Traits.(map[string]interface{}); ok {
		for k, v := range traits {
			if k == "email" {
				if email, ok := v.(string); ok {
					user.Email = email
				}
				continue
			}
			user.Metadata[k] = v
		}
	}
	if public, ok := identity.MetadataPublic.(map[string]interface{}); ok {
		for k, v := range public {
			if _, exists := user.Metadata[k]; !exists {
				user.Metadata[k] = v
			}
		}
	}

	for _, addr := range identity.VerifiableAddresses {
		if user.Email == "" {
			user.Email = addr.Value
		}
		if strings.EqualFold(addr.Value, user.Email) && addr.Verified {
			user.EmailVerified = true
		}
	}

	return user
}

var _ IdentityProvider = (*KratosProvider)(nil)
