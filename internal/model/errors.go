// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIにそのまま表示できるメッセージと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, profile, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials      = "INVALID_CREDENTIALS"
	ErrCodeRateLimited             = "RATE_LIMITED"
	ErrCodeProviderDown            = "AUTH_PROVIDER_UNAVAILABLE"
	ErrCodeAccountExists           = "ACCOUNT_EXISTS"
	ErrCodeInvalidSession          = "INVALID_SESSION"
	ErrCodeInvalidInput            = "INVALID_INPUT"
	ErrCodeProfileNotFound         = "PROFILE_NOT_FOUND"
	ErrCodeAccountDisabled         = "ACCOUNT_DISABLED"
	ErrCodeProfileConstraint       = "PROFILE_CONSTRAINT"
	ErrCodeStoreUnavailable        = "PROFILE_STORE_UNAVAILABLE"
	ErrCodeVerificationRequired    = "EMAIL_VERIFICATION_REQUIRED"
	ErrCodeNetwork                 = "NETWORK_ERROR"
	ErrCodeInvalidVerificationLink = "INVALID_VERIFICATION_LINK"
	ErrCodeInvalidRole             = "INVALID_ROLE"
	ErrCodeRoleAlreadySet          = "ROLE_ALREADY_SET"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// AuthErrorKind はIdP起因のエラー種別。
type AuthErrorKind string

const (
	AuthInvalidCredentials AuthErrorKind = "invalid_credentials"
	AuthRateLimited        AuthErrorKind = "rate_limited"
	AuthProviderDown       AuthErrorKind = "provider_down"
	AuthConflict           AuthErrorKind = "conflict"
	AuthInvalidSession     AuthErrorKind = "invalid_session"
	AuthInvalidInput       AuthErrorKind = "invalid_input"
)

// AuthError はIdPアダプタが返す型付きエラー。
// Messageは表示用の固定文言で、IdPのネイティブなメッセージは含めない。
type AuthError struct {
	Kind    AuthErrorKind
	Message string
	Err     error
}

// NewAuthError は種別に対応する表示用メッセージを持つAuthErrorを生成する。
func NewAuthError(kind AuthErrorKind, err error) *AuthError {
	return &AuthError{Kind: kind, Message: authMessages[kind], Err: err}
}

var authMessages = map[AuthErrorKind]string{
	AuthInvalidCredentials: "メールアドレスまたはパスワードが正しくありません。",
	AuthRateLimited:        "リクエストが多すぎます。",
	AuthProviderDown:       "認証サービスが一時的に利用できません。",
	AuthConflict:           "このメールアドレスは既に登録されています。",
	AuthInvalidSession:     "セッションが無効か、有効期限が切れています。",
	AuthInvalidInput:       "入力内容が認証サービスの要件を満たしていません。",
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth error (%s)", e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError は表示用のAPIErrorに変換する。
func (e *AuthError) APIError() *APIError {
	switch e.Kind {
	case AuthInvalidCredentials:
		return &APIError{Code: ErrCodeInvalidCredentials, Message: e.Message, Category: "auth",
			Action: "入力内容を確認して再度お試しください。"}
	case AuthRateLimited:
		return &APIError{Code: ErrCodeRateLimited, Message: e.Message, Category: "auth",
			Action: "しばらく待ってから再度お試しください。"}
	case AuthConflict:
		return &APIError{Code: ErrCodeAccountExists, Message: e.Message, Category: "auth",
			Action: "ログイン画面からログインするか、パスワードを再設定してください。"}
	case AuthInvalidSession:
		return &APIError{Code: ErrCodeInvalidSession, Message: e.Message, Category: "auth",
			Action: "ログインし直してください。"}
	case AuthInvalidInput:
		return &APIError{Code: ErrCodeInvalidInput, Message: e.Message, Category: "validation",
			Action: "8文字以上の推測されにくいパスワードを指定してください。"}
	default:
		return &APIError{Code: ErrCodeProviderDown, Message: e.Message, Category: "system",
			Action: "しばらく待ってから再度お試しください。"}
	}
}

// RepoErrorKind はプロフィールストア起因のエラー種別。
type RepoErrorKind string

const (
	RepoNotFound    RepoErrorKind = "not_found"
	RepoDisabled    RepoErrorKind = "disabled"
	RepoConstraint  RepoErrorKind = "constraint"
	RepoUnavailable RepoErrorKind = "unavailable"
)

// RepoError はプロフィール操作の型付きエラー。
type RepoError struct {
	Kind RepoErrorKind
	ID   string
	Err  error
}

func (e *RepoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("profile %s (%s): %v", e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("profile %s (%s)", e.Kind, e.ID)
}

func (e *RepoError) Unwrap() error { return e.Err }

// APIError は表示用のAPIErrorに変換する。
// 無効化されたアカウントはプロフィール未検出とは別のメッセージで返す。
func (e *RepoError) APIError() *APIError {
	switch e.Kind {
	case RepoNotFound:
		return &APIError{
			Code:     ErrCodeProfileNotFound,
			Message:  "プロフィールが見つかりません。",
			Category: "profile",
			Action:   "アカウント登録を完了してください。",
		}
	case RepoDisabled:
		return &APIError{
			Code:     ErrCodeAccountDisabled,
			Message:  "このアカウントは無効化されています。",
			Category: "auth",
			Action:   "サポートまでお問い合わせください。",
		}
	case RepoConstraint:
		return &APIError{
			Code:     ErrCodeProfileConstraint,
			Message:  "プロフィールを保存できませんでした。",
			Category: "profile",
			Action:   "入力内容を確認して再度お試しください。",
		}
	default:
		return &APIError{
			Code:     ErrCodeStoreUnavailable,
			Message:  "プロフィールの保存先に接続できません。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		}
	}
}

// IsRepoKind はerrがkind種別のRepoErrorかどうかを返す。
func IsRepoKind(err error, kind RepoErrorKind) bool {
	var re *RepoError
	return errors.As(err, &re) && re.Kind == kind
}

// VerificationRequiredError はメールアドレス未確認のままログインしようとした場合のエラー。
type VerificationRequiredError struct {
	Email string
}

func (e *VerificationRequiredError) Error() string {
	return fmt.Sprintf("email verification required: %s", e.Email)
}

// APIError は表示用のAPIErrorに変換する。
func (e *VerificationRequiredError) APIError() *APIError {
	return &APIError{
		Code:     ErrCodeVerificationRequired,
		Message:  "メールアドレスの確認が完了していません。",
		Category: "auth",
		Action:   "確認メールのリンクを開いてから再度ログインしてください。",
	}
}

// NetworkError はIdPやメール送信先との通信失敗を表す。
// 自動リトライは行わず、ユーザーの再送信に委ねる。
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError は表示用のAPIErrorに変換する。
func (e *NetworkError) APIError() *APIError {
	return &APIError{
		Code:     ErrCodeNetwork,
		Message:  "通信エラーが発生しました。",
		Category: "system",
		Action:   "ネットワーク接続を確認し、もう一度送信してください。",
	}
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", detail),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidRoleError は無効な役割が指定された場合のエラーを生成する。
func NewInvalidRoleError(role string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRole,
		Message:  fmt.Sprintf("無効な役割です: %s", role),
		Category: "validation",
		Action:   "artist、provider、partner のいずれかを選択してください。",
	}
}

// NewRoleAlreadySetError は別の役割が既に設定されている場合のエラーを生成する。
func NewRoleAlreadySetError(current Role) *APIError {
	return &APIError{
		Code:     ErrCodeRoleAlreadySet,
		Message:  fmt.Sprintf("役割は既に設定されています: %s", current),
		Category: "profile",
		Action:   "役割の変更はサポートまでお問い合わせください。",
	}
}

// NewInvalidVerificationLinkError は確認リンクが無効または期限切れの場合のエラーを生成する。
func NewInvalidVerificationLinkError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidVerificationLink,
		Message:  "確認リンクが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "確認メールを再送信してください。",
	}
}

// NewUnauthorizedError は未認証リクエストのエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// Displayable は表示用のAPIErrorに変換できるエラー。
type Displayable interface {
	error
	APIError() *APIError
}

// ToAPIError はerrを表示用のAPIErrorに変換する。
// 変換できない場合はfalseを返す。
func ToAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	var d Displayable
	if errors.As(err, &d) {
		return d.APIError(), true
	}
	return nil, false
}
