package auth

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/bandstand/internal/model"
	"github.com/hitoshi/bandstand/internal/repository"
)

// State はOAuthコールバックや登録継続ページでの到達状態を表す。
type State string

const (
	StateCheckingSession        State = "CHECKING_SESSION"
	StateNoSession              State = "NO_SESSION"
	StateSessionNoProfile       State = "SESSION_NO_PROFILE"
	StateSessionProfileNoRole   State = "SESSION_PROFILE_NO_ROLE"
	StateSessionProfileWithRole State = "SESSION_PROFILE_WITH_ROLE"
)

// 状態ごとの遷移先
const (
	RouteLogin      = "/login"
	RouteOnboarding = "/signup/continue"
	RouteRolePicker = "/signup/continue?step=role"
	RouteHome       = "/"
)

// Route は状態に対応する遷移先のパスを返す。
// CHECKING_SESSIONは遷移先を持たない。
func (s State) Route() string {
	switch s {
	case StateNoSession:
		return RouteLogin
	case StateSessionNoProfile:
		return RouteOnboarding
	case StateSessionProfileNoRole:
		return RouteRolePicker
	case StateSessionProfileWithRole:
		return RouteHome
	default:
		return ""
	}
}

// Terminal はこれ以上ユーザー操作を必要としない状態かどうかを返す。
func (s State) Terminal() bool {
	return s == StateNoSession || s == StateSessionProfileWithRole
}

// ResolveState はセッションとプロフィールの取得結果から状態を決める純粋関数。
//   - セッションがない: NO_SESSION
//   - プロフィールが無効化されている: NO_SESSION
//   - プロフィールの取得に失敗した、または存在しない: SESSION_NO_PROFILE
//   - 役割が未設定: SESSION_PROFILE_NO_ROLE
//   - 役割が設定済み: SESSION_PROFILE_WITH_ROLE
func ResolveState(session *model.IdentitySession, profile *model.Profile, profileErr error) State {
	if session == nil {
		return StateNoSession
	}
	if model.IsRepoKind(profileErr, model.RepoDisabled) || (profile != nil && profile.Disabled) {
		return StateNoSession
	}
	if profileErr != nil || profile == nil {
		return StateSessionNoProfile
	}
	if !profile.Role.IsSet() {
		return StateSessionProfileNoRole
	}
	return StateSessionProfileWithRole
}

// Outcome は状態解決の結果。
type Outcome struct {
	State   State
	Session *model.IdentitySession
	Profile *model.Profile
}

// Route は遷移先のパスを返す。
func (o *Outcome) Route() string {
	return o.State.Route()
}

// Continuation はセッションとプロフィールを確認して次の遷移先を決める。
// 同じセッショントークンでの同時呼び出し（リダイレクトの重複配送やブラウザの戻る操作）は
// 実行中の1回を共有し、二重に実行しない。読み取りのみで、プロフィールの作成や
// メール送信は行わない。
type Continuation struct {
	provider IdentityProvider
	profiles repository.ProfileRepository
	recorder Recorder
	logger   *slog.Logger

	inflight singleflight.Group
}

// NewContinuation はContinuationを生成する。
func NewContinuation(provider IdentityProvider, profiles repository.ProfileRepository, recorder Recorder, logger *slog.Logger) *Continuation {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Continuation{
		provider: provider,
		profiles: profiles,
		recorder: recorder,
		logger:   logger,
	}
}

// Resolve はトークンのセッションとプロフィールを取得し、状態を解決する。
// プロフィールストアに接続できない場合は状態を決められないためエラーを返す。
func (c *Continuation) Resolve(ctx context.Context, token string) (*Outcome, error) {
	if token == "" {
		c.recorder.RecordContinuation(string(StateNoSession))
		return &Outcome{State: StateNoSession}, nil
	}

	v, err, shared := c.inflight.Do(token, func() (interface{}, error) {
		return c.resolve(context.WithoutCancel(ctx), token)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("実行中の状態解決の結果を共有しました")
	}

	outcome := v.(*Outcome)
	c.recorder.RecordContinuation(string(outcome.State))
	return outcome, nil
}

func (c *Continuation) resolve(ctx context.Context, token string) (*Outcome, error) {
	session, err := c.provider.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &Outcome{State: ResolveState(nil, nil, nil)}, nil
	}

	profile, profileErr := c.profiles.FindByID(ctx, session.User.ID)
	var repoErr *model.RepoError
	if errors.As(profileErr, &repoErr) && repoErr.Kind == model.RepoUnavailable {
		return nil, profileErr
	}

	state := ResolveState(session, profile, profileErr)
	c.logger.Info("セッションの状態を解決しました",
		slog.String("user_id", session.User.ID),
		slog.String("state", string(state)),
	)

	outcome := &Outcome{State: state, Session: session}
	if state != StateNoSession {
		outcome.Profile = profile
	}
	return outcome, nil
}
