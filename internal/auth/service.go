// Package auth はアカウントのライフサイクル（登録、ログイン、OAuth、オンボーディング）と
// IdPセッションとプロフィールの突き合わせを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/bandstand/internal/authevent"
	"github.com/hitoshi/bandstand/internal/model"
	"github.com/hitoshi/bandstand/internal/notify"
	"github.com/hitoshi/bandstand/internal/repository"
	"github.com/hitoshi/bandstand/internal/security"
)

// minPasswordLength はパスワードの最小文字数。
const minPasswordLength = 8

// SessionCache はデバイス単位のセッションキャッシュのインターフェース。
type SessionCache interface {
	PutUser(ctx context.Context, deviceID string, profile *model.Profile) error
	DeleteUser(ctx context.Context, deviceID string) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	// RequireEmailVerification がfalseの場合、登録直後のプロフィールを確認済みとして扱う。
	RequireEmailVerification bool
}

// Deps は認証サービスが依存するコンポーネント。
type Deps struct {
	Provider  IdentityProvider
	Profiles  repository.ProfileRepository
	Notifier  notify.Notifier
	Cache     SessionCache
	Events    authevent.Publisher
	Links     *LinkSigner
	Sanitizer security.ProfileSanitizer
	LinkGuard security.LinkGuard
	Recorder  Recorder
	Logger    *slog.Logger
}

// Service はアカウントのライフサイクルに関するビジネスロジックを提供する。
// 各操作内の手順は逐次実行し、ベストエフォートの副作用（メール送信、補償削除、
// キャッシュ更新）の失敗は主処理を失敗させない。
type Service struct {
	provider  IdentityProvider
	profiles  repository.ProfileRepository
	notifier  notify.Notifier
	cache     SessionCache
	events    authevent.Publisher
	links     *LinkSigner
	sanitizer security.ProfileSanitizer
	linkGuard security.LinkGuard
	recorder  Recorder
	logger    *slog.Logger
	config    ServiceConfig

	onboarding singleflight.Group
}

// NewService はServiceを生成する。
func NewService(deps Deps, config ServiceConfig) *Service {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewProfileSanitizer()
	}
	if deps.LinkGuard == nil {
		deps.LinkGuard = security.NewLinkGuard()
	}
	return &Service{
		provider:  deps.Provider,
		profiles:  deps.Profiles,
		notifier:  deps.Notifier,
		cache:     deps.Cache,
		events:    deps.Events,
		links:     deps.Links,
		sanitizer: deps.Sanitizer,
		linkGuard: deps.LinkGuard,
		recorder:  deps.Recorder,
		logger:    deps.Logger,
		config:    config,
	}
}

// SignupData は登録時の入力。
type SignupData struct {
	Email       string
	Password    string
	FirstName   string
	LastName    string
	DisplayName string
	Role        model.Role
}

// RegisterResult は登録結果。
// NeedsVerificationがtrueの場合、Sessionはnilでログイン状態にはならない。
type RegisterResult struct {
	Profile           *model.Profile
	Session           *model.IdentitySession
	NeedsVerification bool
}

// Credentials はログイン時の入力。
type Credentials struct {
	Email    string
	Password string
}

// LoginResult はログイン結果。
type LoginResult struct {
	Profile *model.Profile
	Session *model.IdentitySession
}

// OnboardingDetails はオンボーディングで選択する役割と詳細情報。
// 空文字列のフィールドは更新しない。
type OnboardingDetails struct {
	Role               model.Role
	DisplayName        string
	FirstName          string
	LastName           string
	Category           string
	Subcategory        string
	Bio                string
	Location           string
	PortfolioURL       string
	SocialLinks        map[string]string
	MusicStyle         string
	Pricing            string
	ServiceDescription string
}

func (d OnboardingDetails) toUpdate() model.ProfileUpdate {
	opt := func(s string) *string {
		if strings.TrimSpace(s) == "" {
			return nil
		}
		return &s
	}
	update := model.ProfileUpdate{
		DisplayName:        opt(d.DisplayName),
		FirstName:          opt(d.FirstName),
		LastName:           opt(d.LastName),
		Category:           opt(d.Category),
		Subcategory:        opt(d.Subcategory),
		Bio:                opt(d.Bio),
		Location:           opt(d.Location),
		PortfolioURL:       opt(d.PortfolioURL),
		MusicStyle:         opt(d.MusicStyle),
		Pricing:            opt(d.Pricing),
		ServiceDescription: opt(d.ServiceDescription),
	}
	if len(d.SocialLinks) > 0 {
		update.SocialLinks = d.SocialLinks
	}
	return update
}

// Register はアカウントを登録する。
//  1. IdPにアカウントを作成する。失敗した場合はそのまま返す。
//  2. プロフィールを未確認の状態で作成する。
//  3. 作成に失敗した場合はIdPのユーザーを1回だけ削除し、元のエラーを返す。
//  4. IdPが既にメールアドレスを確認済みなら確認済みとして登録しログイン状態にする。
//     そうでなければ確認リンクを送信し、NeedsVerificationを返す。
//
// 確認が必要な場合、指定された役割はIdPのメタデータにのみ保持し、
// プロフィールへの反映はオンボーディングで行う。
func (s *Service) Register(ctx context.Context, data SignupData, deviceID string) (result *RegisterResult, err error) {
	defer func() { s.recorder.RecordAuth("register", outcome(err)) }()

	email := normalizeEmail(data.Email)
	if email == "" {
		return nil, model.NewValidationError("email は必須です")
	}
	if len(data.Password) < minPasswordLength {
		return nil, model.NewValidationError(fmt.Sprintf("password は%d文字以上で指定してください", minPasswordLength))
	}
	if data.Role.IsSet() && !data.Role.Valid() {
		return nil, model.NewInvalidRoleError(string(data.Role))
	}

	firstName := s.sanitizer.SanitizeText(data.FirstName)
	lastName := s.sanitizer.SanitizeText(data.LastName)
	displayName := s.sanitizer.SanitizeText(data.DisplayName)

	metadata := map[string]any{}
	for k, v := range map[string]string{
		"first_name":   firstName,
		"last_name":    lastName,
		"display_name": displayName,
		"role":         string(data.Role),
	} {
		if v != "" {
			metadata[k] = v
		}
	}

	session, err := s.provider.SignUp(ctx, email, data.Password, metadata)
	if err != nil {
		return nil, err
	}

	verified := session.User.EmailVerified || !s.config.RequireEmailVerification
	profile := &model.Profile{
		ID:          session.User.ID,
		Email:       email,
		DisplayName: displayName,
		FirstName:   firstName,
		LastName:    lastName,
		Verified:    verified,
	}
	if verified {
		profile.Role = data.Role
	}

	if err := s.profiles.Create(ctx, profile); err != nil {
		s.compensateSignUp(ctx, session.User.ID, err)
		return nil, err
	}

	s.logger.Info("アカウントを登録しました",
		slog.String("user_id", profile.ID),
		slog.Bool("verified", verified),
	)

	if !verified {
		if session.AccessToken != "" {
			s.revoke(ctx, session)
		}
		s.sendVerificationLink(ctx, profile)
		return &RegisterResult{Profile: profile, NeedsVerification: true}, nil
	}

	if isComplete(profile) {
		s.sendWelcome(ctx, profile)
	}
	result = &RegisterResult{Profile: profile}
	if session.AccessToken != "" {
		result.Session = session
		s.Remember(ctx, deviceID, profile)
	}
	return result, nil
}

// Login はパスワードでログインする。
// IdPの認証に成功しても、プロフィールが存在しない、無効化されている、
// またはメールアドレスが未確認の場合はIdPのセッションを破棄して失敗させる。
func (s *Service) Login(ctx context.Context, creds Credentials, deviceID string) (result *LoginResult, err error) {
	defer func() { s.recorder.RecordAuth("login", outcome(err)) }()

	email := normalizeEmail(creds.Email)
	if email == "" || creds.Password == "" {
		return nil, model.NewValidationError("email と password は必須です")
	}

	session, err := s.provider.SignIn(ctx, email, creds.Password)
	if err != nil {
		return nil, err
	}

	profile, err := s.getProfile(ctx, session.User.ID)
	if err != nil {
		s.revoke(ctx, session)
		return nil, err
	}

	if !profile.Verified && s.config.RequireEmailVerification {
		if !session.User.EmailVerified {
			s.revoke(ctx, session)
			return nil, &model.VerificationRequiredError{Email: profile.Email}
		}
		// IdP側で確認済みならプロフィールに反映する
		verified := true
		profile, err = s.applyUpdate(ctx, profile, model.ProfileUpdate{Verified: &verified})
		if err != nil {
			s.revoke(ctx, session)
			return nil, err
		}
	}

	s.Remember(ctx, deviceID, profile)

	s.logger.Info("ログインしました", slog.String("user_id", profile.ID))
	return &LoginResult{Profile: profile, Session: session}, nil
}

// Logout はデバイスのキャッシュを削除し、IdPのセッションを破棄する。
// セッションが既に無効な場合は成功とみなす。
func (s *Service) Logout(ctx context.Context, token, deviceID string) (err error) {
	defer func() { s.recorder.RecordAuth("logout", outcome(err)) }()

	if deviceID != "" {
		if err := s.cache.DeleteUser(ctx, deviceID); err != nil {
			s.logger.Warn("セッションキャッシュの削除に失敗しました",
				slog.String("device_id", deviceID),
				slog.String("error", err.Error()),
			)
		}
		s.events.Publish(authevent.Change{DeviceID: deviceID})
	}

	if token == "" {
		return nil
	}
	if err := s.provider.SignOut(ctx, token); err != nil {
		var authErr *model.AuthError
		if errors.As(err, &authErr) && authErr.Kind == model.AuthInvalidSession {
			return nil
		}
		return err
	}
	return nil
}

// RequestPasswordReset はパスワード再設定リンクをメールで送る。
// アカウントの有無を推測されないよう、未登録や無効化済みのアドレスでも成功を返す。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (err error) {
	defer func() { s.recorder.RecordAuth("password_reset", outcome(err)) }()

	email = normalizeEmail(email)
	if email == "" {
		return model.NewValidationError("email は必須です")
	}

	profile, err := s.profiles.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if profile == nil || profile.Disabled {
		s.logger.Info("再設定対象のアカウントがないためメールを送信しません")
		return nil
	}

	link, err := s.provider.RecoveryLink(ctx, profile.ID)
	if err != nil {
		return err
	}

	s.notifier.SendPasswordReset(ctx, profile.Email, link)
	return nil
}

// CompleteOnboarding は役割と詳細情報をプロフィールに反映し、オンボーディングを完了する。
// OAuthで初めてログインしたユーザーにはプロフィールを作成してから反映する。
// 同じ役割で繰り返し呼ばれた場合は現在のプロフィールを返し、ウェルカムメールは送らない。
// 別の役割が既に設定されている場合はエラーを返す。
// 同一ユーザーへの同時呼び出しは1回の実行を共有し、役割が異なる呼び出し元にはエラーを返す。
func (s *Service) CompleteOnboarding(ctx context.Context, identity model.IdentityUser, details OnboardingDetails, deviceID string) (profile *model.Profile, err error) {
	defer func() { s.recorder.RecordAuth("onboarding", outcome(err)) }()

	if identity.ID == "" {
		return nil, model.NewUnauthorizedError()
	}
	if !details.Role.Valid() {
		return nil, model.NewInvalidRoleError(string(details.Role))
	}

	update := details.toUpdate()
	s.sanitizer.SanitizeUpdate(&update)
	if err := s.linkGuard.ValidateLinks(details.PortfolioURL, details.SocialLinks); err != nil {
		return nil, model.NewValidationError(err.Error())
	}

	// 共有される処理は最初の呼び出し元のキャンセルに巻き込まない。
	v, err, shared := s.onboarding.Do(identity.ID, func() (interface{}, error) {
		return s.completeOnboarding(context.WithoutCancel(ctx), identity, details.Role, update)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("同時実行中のオンボーディングの結果を共有しました", slog.String("user_id", identity.ID))
	}

	profile = v.(*model.Profile)
	if profile.Role != details.Role {
		return nil, model.NewRoleAlreadySetError(profile.Role)
	}
	s.Remember(ctx, deviceID, profile)
	return profile, nil
}

func (s *Service) completeOnboarding(ctx context.Context, identity model.IdentityUser, role model.Role, update model.ProfileUpdate) (*model.Profile, error) {
	profile, err := s.profiles.FindByID(ctx, identity.ID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		created, err := s.profiles.CreateIfAbsent(ctx, &model.Profile{
			ID:    identity.ID,
			Email: normalizeEmail(identity.Email),
		})
		if err != nil {
			return nil, err
		}
		if created {
			s.logger.Info("OAuthユーザーのプロフィールを作成しました", slog.String("user_id", identity.ID))
		}
		profile, err = s.profiles.FindByID(ctx, identity.ID)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			return nil, &model.RepoError{Kind: model.RepoNotFound, ID: identity.ID}
		}
	}
	if profile.Disabled {
		return nil, &model.RepoError{Kind: model.RepoDisabled, ID: profile.ID}
	}

	if profile.Role.IsSet() {
		if profile.Role == role {
			return profile, nil
		}
		return nil, model.NewRoleAlreadySetError(profile.Role)
	}

	verified := true
	update.Role = &role
	update.Verified = &verified
	return s.applyUpdate(ctx, profile, update)
}

// VerifyEmail は確認リンクのトークンを検証し、プロフィールを確認済みにする。
// 既に確認済みの場合は何もしない。
func (s *Service) VerifyEmail(ctx context.Context, token string) (profile *model.Profile, err error) {
	defer func() { s.recorder.RecordAuth("verify_email", outcome(err)) }()

	userID, email, err := s.links.Verify(token)
	if err != nil {
		s.logger.Info("確認リンクの検証に失敗しました", slog.String("error", err.Error()))
		return nil, model.NewInvalidVerificationLinkError()
	}

	profile, err = s.getProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(profile.Email, email) {
		return nil, model.NewInvalidVerificationLinkError()
	}
	if profile.Verified {
		return profile, nil
	}

	verified := true
	return s.applyUpdate(ctx, profile, model.ProfileUpdate{Verified: &verified})
}

// ResendVerification は確認リンクを再送する。
// アカウントの有無を推測されないよう、送信対象がない場合も成功を返す。
func (s *Service) ResendVerification(ctx context.Context, email string) (err error) {
	defer func() { s.recorder.RecordAuth("resend_verification", outcome(err)) }()

	email = normalizeEmail(email)
	if email == "" {
		return model.NewValidationError("email は必須です")
	}

	profile, err := s.profiles.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if profile == nil || profile.Verified || profile.Disabled {
		return nil
	}

	s.sendVerificationLink(ctx, profile)
	return nil
}

// UpdatePassword はログイン中のユーザーのパスワードを変更する。
// 無効化されたアカウントのパスワードは変更しない。
// プロフィール未作成（OAuthでオンボーディング前）のユーザーは変更できる。
func (s *Service) UpdatePassword(ctx context.Context, token, newPassword string) (err error) {
	defer func() { s.recorder.RecordAuth("update_password", outcome(err)) }()

	if token == "" {
		return model.NewUnauthorizedError()
	}
	if len(newPassword) < minPasswordLength {
		return model.NewValidationError(fmt.Sprintf("password は%d文字以上で指定してください", minPasswordLength))
	}

	user, err := s.provider.GetUser(ctx, token)
	if err != nil {
		return err
	}
	if user == nil {
		return model.NewUnauthorizedError()
	}

	profile, err := s.profiles.FindByID(ctx, user.ID)
	if err != nil {
		return err
	}
	if profile != nil && profile.Disabled {
		return &model.RepoError{Kind: model.RepoDisabled, ID: user.ID}
	}

	if err := s.provider.UpdatePassword(ctx, token, newPassword); err != nil {
		return err
	}
	s.logger.Info("パスワードを変更しました", slog.String("user_id", user.ID))
	return nil
}

// CurrentProfile はプロフィールを取り直してデバイスのキャッシュを更新する。
func (s *Service) CurrentProfile(ctx context.Context, userID, deviceID string) (*model.Profile, error) {
	profile, err := s.getProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.Remember(ctx, deviceID, profile)
	return profile, nil
}

// StartOAuth は外部プロバイダーでのログインを開始する。
func (s *Service) StartOAuth(ctx context.Context, provider, returnTo string) (redirect *OAuthRedirect, err error) {
	defer func() { s.recorder.RecordAuth("oauth_start", outcome(err)) }()

	if provider == "" {
		return nil, model.NewValidationError("provider は必須です")
	}
	return s.provider.SignInWithOAuth(ctx, provider, returnTo)
}

// ExchangeOAuth はOAuthリダイレクト後のコードをセッションに交換する。
func (s *Service) ExchangeOAuth(ctx context.Context, initCode, returnToCode string) (session *model.IdentitySession, err error) {
	defer func() { s.recorder.RecordAuth("oauth_callback", outcome(err)) }()

	if initCode == "" || returnToCode == "" {
		return nil, model.NewAuthError(model.AuthInvalidSession, errors.New("missing oauth exchange code"))
	}
	return s.provider.ExchangeOAuthCode(ctx, initCode, returnToCode)
}

// Remember はデバイスのキャッシュにプロフィールを書き込み、認証状態の変化を通知する。
// deviceIDが空の場合は何もしない。
func (s *Service) Remember(ctx context.Context, deviceID string, profile *model.Profile) {
	if deviceID == "" || profile == nil {
		return
	}
	if err := s.cache.PutUser(ctx, deviceID, profile); err != nil {
		s.logger.Warn("セッションキャッシュの更新に失敗しました",
			slog.String("device_id", deviceID),
			slog.String("user_id", profile.ID),
			slog.String("error", err.Error()),
		)
	}
	s.events.Publish(authevent.Change{
		DeviceID: deviceID,
		UserID:   profile.ID,
		Profile:  profile.Clone(),
	})
}

// getProfile はプロフィールを取得する。
// 存在しない場合はnot_found、無効化されている場合はdisabledのRepoErrorを返す。
func (s *Service) getProfile(ctx context.Context, id string) (*model.Profile, error) {
	profile, err := s.profiles.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, &model.RepoError{Kind: model.RepoNotFound, ID: id}
	}
	if profile.Disabled {
		return nil, &model.RepoError{Kind: model.RepoDisabled, ID: id}
	}
	return profile, nil
}

// applyUpdate はプロフィールを更新し、確認済みかつ役割設定済みの状態に初めて
// 到達した場合にだけウェルカムメールを送る。
func (s *Service) applyUpdate(ctx context.Context, before *model.Profile, update model.ProfileUpdate) (*model.Profile, error) {
	after, err := s.profiles.Update(ctx, before.ID, update)
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, &model.RepoError{Kind: model.RepoNotFound, ID: before.ID}
	}
	if !isComplete(before) && isComplete(after) {
		s.sendWelcome(ctx, after)
	}
	return after, nil
}

// compensateSignUp はプロフィール作成に失敗した登録のIdPユーザーを削除する。
// 削除の失敗はログに残すだけで再試行しない。
func (s *Service) compensateSignUp(ctx context.Context, userID string, cause error) {
	s.logger.Error("プロフィールの作成に失敗したためIdPのユーザーを削除します",
		slog.String("user_id", userID),
		slog.String("error", cause.Error()),
	)
	if err := s.provider.DeleteUser(context.WithoutCancel(ctx), userID); err != nil {
		s.logger.Error("IdPユーザーの補償削除に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// revoke はログインを完了させないセッションを破棄する。失敗はログに残すだけ。
func (s *Service) revoke(ctx context.Context, session *model.IdentitySession) {
	if session == nil || session.AccessToken == "" {
		return
	}
	if err := s.provider.SignOut(context.WithoutCancel(ctx), session.AccessToken); err != nil {
		s.logger.Warn("IdPセッションの破棄に失敗しました",
			slog.String("user_id", session.User.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) sendWelcome(ctx context.Context, profile *model.Profile) {
	name := profile.FirstName
	if name == "" {
		name = profile.DisplayName
	}
	s.notifier.SendWelcome(ctx, profile.Email, name)
}

func (s *Service) sendVerificationLink(ctx context.Context, profile *model.Profile) {
	link, err := s.links.Link(profile.ID, profile.Email)
	if err != nil {
		s.logger.Error("確認リンクの生成に失敗しました",
			slog.String("user_id", profile.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.notifier.SendVerification(ctx, profile.Email, link)
}

// isComplete はプロフィールが確認済みかつ役割設定済みかどうかを返す。
func isComplete(p *model.Profile) bool {
	return p.Verified && p.Role.IsSet()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// outcome はメトリクス用に結果を分類する。
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	var (
		authErr   *model.AuthError
		repoErr   *model.RepoError
		verifyErr *model.VerificationRequiredError
		netErr    *model.NetworkError
		apiErr    *model.APIError
	)
	switch {
	case errors.As(err, &authErr):
		return string(authErr.Kind)
	case errors.As(err, &repoErr):
		return string(repoErr.Kind)
	case errors.As(err, &verifyErr):
		return "verification_required"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &apiErr):
		return strings.ToLower(apiErr.Code)
	default:
		return "error"
	}
}
