package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bandstand/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionResolver      middleware.SessionResolver
	SessionRefresher     middleware.SessionRefresher // nilの場合はセッションを延長しない
	SessionRefreshWindow time.Duration
	CORSAllowedOrigin    string
	CSRFConfig           middleware.CSRFConfig
	DeviceConfig         middleware.DeviceConfig
	RateLimiter          *middleware.RateLimiter
	HTTPRecorder         middleware.HTTPRecorder // nilの場合はメトリクスを記録しない
	HSTS                 bool
	Logger               *slog.Logger // nilの場合はslog.Default()
	TrustedProxies       []string     // X-Forwarded-Forを信頼するプロキシ（CIDRまたはIP）

	// 認証
	AuthService  AuthServiceInterface
	Continuation ContinuationResolver
	AuthConfig   AuthHandlerConfig

	// オンボーディング
	OnboardingService OnboardingServiceInterface

	// セッションキャッシュと認証イベント
	SessionStore SessionStoreInterface
	Events       EventSubscriber

	// ユーザー
	UserService   UserServiceInterface
	ProfileReader ProfileReader

	// 運用エンドポイント（nilの場合はルートを登録しない）
	Health  http.Handler
	Metrics http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → SecurityHeaders → CORS → Logging → Device → CSRF
//	  認証エンドポイント: + RateLimit(Auth)
//	  保護されたルート:   + Session → RateLimit(General)
//
// /health と /metrics はミドルウェアチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRealIPMiddleware(deps.TrustedProxies))
	r.Use(middleware.NewRecoveryMiddleware(logger))

	if deps.Health != nil {
		r.Method(http.MethodGet, "/health", deps.Health)
	}
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Continuation, deps.AuthConfig)
	onboardingHandler := NewOnboardingHandler(deps.OnboardingService, deps.Continuation)
	sessionHandler := NewSessionHandler(deps.SessionStore, deps.Events, deps.CORSAllowedOrigin)
	userHandler := NewUserHandler(deps.UserService, deps.ProfileReader, deps.AuthConfig)

	var sessionOpts []middleware.SessionOption
	if deps.SessionRefresher != nil {
		sessionOpts = append(sessionOpts, middleware.WithSessionRefresh(middleware.SessionRefreshConfig{
			Refresher:    deps.SessionRefresher,
			Window:       deps.SessionRefreshWindow,
			CookieSecure: deps.AuthConfig.CookieSecure,
			CookieDomain: deps.AuthConfig.CookieDomain,
		}))
	}
	sessionMW := middleware.NewSessionMiddleware(deps.SessionResolver, sessionOpts...)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(middleware.NewLoggingMiddleware(logger, deps.HTTPRecorder))
		r.Use(middleware.NewDeviceMiddleware(deps.DeviceConfig))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

		// --- 認証不要のルート（IPごとのレート制限） ---
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())

			r.Post("/signup", authHandler.Signup)
			r.Post("/login", authHandler.Login)
			r.Post("/auth/password/reset", authHandler.RequestPasswordReset)
			r.Post("/auth/verify/resend", authHandler.ResendVerification)
			r.Get("/auth/verify", authHandler.VerifyEmail)
			r.Get("/auth/oauth/{provider}", authHandler.StartOAuth)
		})

		r.Post("/logout", authHandler.Logout)
		r.Get("/auth/callback", authHandler.Callback)
		r.Get("/signup/continue", onboardingHandler.GetState)

		// デバイス単位のキャッシュと認証イベント（サインアウト状態でも参照する）
		r.Get("/api/session", sessionHandler.GetSession)
		r.Put("/api/session/authorized", sessionHandler.SetAuthorized)
		r.Get("/auth/events", sessionHandler.Events)

		// --- 認証が必要なルート ---
		// ミドルウェアスタック: Session → RateLimit(General)
		r.Group(func(r chi.Router) {
			r.Use(sessionMW)
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Post("/signup/continue", onboardingHandler.Complete)
			r.Put("/auth/password", authHandler.UpdatePassword)
			r.Get("/api/me", userHandler.Me)
			r.Delete("/api/users/me", userHandler.Withdraw)
		})
	})

	return r
}
