package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/bandstand/internal/auth"
	"github.com/hitoshi/bandstand/internal/authevent"
	"github.com/hitoshi/bandstand/internal/config"
	"github.com/hitoshi/bandstand/internal/database"
	"github.com/hitoshi/bandstand/internal/handler"
	"github.com/hitoshi/bandstand/internal/logger"
	"github.com/hitoshi/bandstand/internal/metrics"
	"github.com/hitoshi/bandstand/internal/middleware"
	"github.com/hitoshi/bandstand/internal/notify"
	"github.com/hitoshi/bandstand/internal/repository"
	"github.com/hitoshi/bandstand/internal/sessioncache"
	"github.com/hitoshi/bandstand/internal/user"
	"github.com/hitoshi/bandstand/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルを反映する
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		WriteUsage(w)
		return err
	}

	// 設定不要のコマンドはフル初期化をスキップする
	if !cmd.RequiresConfig() {
		switch cmd {
		case CommandHelp:
			WriteUsage(w)
			return nil
		default:
			port := os.Getenv("SERVER_PORT")
			if port == "" {
				port = "8080"
			}
			return runHealthcheck(port)
		}
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// newKratosProvider はIdPアダプタを生成する。
// IdPへの呼び出しはリトライせず、HTTPクライアントのタイムアウトで打ち切る。
func newKratosProvider(cfg *config.Config) *auth.KratosProvider {
	return auth.NewKratosProvider(
		cfg.KratosPublicURL,
		cfg.KratosAdminURL,
		&http.Client{Timeout: 10 * time.Second},
		slog.Default(),
	)
}

// newNotifier はメール送信アダプタを生成する。APIキーが未設定の場合は送信しない。
func newNotifier(cfg *config.Config, recorder notify.Recorder) notify.Notifier {
	if cfg.EmailAPIKey == "" {
		slog.Warn("EMAIL_API_KEYが未設定のため、メール送信は無効です")
		return notify.Nop{Logger: slog.Default()}
	}
	return notify.NewResendClient(
		&http.Client{Timeout: 10 * time.Second},
		slog.Default(),
		notify.ResendConfig{
			APIKey:            cfg.EmailAPIKey,
			BaseURL:           cfg.EmailAPIURL,
			From:              cfg.EmailFrom,
			WelcomeTemplateID: cfg.WelcomeTemplateID,
			Recorder:          recorder,
		},
	)
}

// trustedOrigins は状態変更リクエストを受け付けるOriginの一覧を返す。
// フロントエンドとAPI自身（同一オリジン配信時）のオリジンを許可する。
func trustedOrigins(cfg *config.Config) []string {
	origins := []string{}
	for _, raw := range []string{cfg.CORSAllowedOrigin, cfg.BaseURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		origins = append(origins, u.Scheme+"://"+u.Host)
	}
	return origins
}

// frontendURL は遷移先の画面を提供するオリジンを返す。
// CORSで許可したオリジンが画面側、未設定の場合はAPIと同一オリジンとみなす。
func frontendURL(cfg *config.Config) string {
	if cfg.CORSAllowedOrigin != "" {
		return cfg.CORSAllowedOrigin
	}
	return cfg.BaseURL
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. セッションキャッシュ
	cache, err := sessioncache.Open(cfg.SessionCacheDir, time.Duration(cfg.SessionMaxAge)*time.Second)
	if err != nil {
		return err
	}
	defer cache.Close()

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. アダプタの初期化
	profileRepo := repository.NewPostgresProfileRepo(db)
	provider := newKratosProvider(cfg)
	notifier := newNotifier(cfg, collector)
	bus := authevent.NewBus(slog.Default())

	// 5. ドメインサービスの初期化
	authService := auth.NewService(auth.Deps{
		Provider: provider,
		Profiles: profileRepo,
		Notifier: notifier,
		Cache:    cache,
		Events:   bus,
		Links:    auth.NewLinkSigner(cfg.SessionSecret, cfg.VerificationLinkTTL, cfg.BaseURL),
		Recorder: collector,
		Logger:   slog.Default(),
	}, auth.ServiceConfig{
		RequireEmailVerification: cfg.RequireEmailVerification,
	})
	continuation := auth.NewContinuation(provider, profileRepo, collector, slog.Default())
	userService := user.NewService(profileRepo, provider, cache, bus, slog.Default())

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		SessionResolver:      provider,
		SessionRefresher:     provider,
		SessionRefreshWindow: cfg.SessionRefreshWindow,
		CORSAllowedOrigin:    cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure:   cfg.CookieSecure,
			CookieDomain:   cfg.CookieDomain,
			TrustedOrigins: trustedOrigins(cfg),
		},
		DeviceConfig: middleware.DeviceConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:    rateLimiter,
		HTTPRecorder:   collector,
		HSTS:           cfg.CookieSecure,
		Logger:         slog.Default(),
		TrustedProxies: cfg.TrustedProxies,

		AuthService:  authService,
		Continuation: continuation,
		AuthConfig: handler.AuthHandlerConfig{
			FrontendURL:   frontendURL(cfg),
			CallbackURL:   cfg.CallbackURL(),
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		OnboardingService: authService,

		SessionStore: cache,
		Events:       bus,

		UserService:   userService,
		ProfileReader: authService,

		Health:  newHealthHandler(db),
		Metrics: metrics.Handler(registry),
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	// WriteTimeoutは認証イベントのWebSocket接続を切らないよう設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、放置された登録のクリーンアップジョブを日次で実行する。
// SERVER_PORTで/metricsと/health（コンテナのHEALTHCHECK用）を公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(
		repository.NewPostgresProfileRepo(db),
		newKratosProvider(cfg),
		collector,
		slog.Default(),
	)
	cleanupJob.TTL = cfg.AbandonedSignupTTL

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.NewOpsMux(registry, newHealthHandler(db)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()
	defer metricsServer.Close()

	slog.Info("worker starting",
		slog.Duration("abandoned_signup_ttl", cfg.AbandonedSignupTTL),
	)

	runCleanupLoop(ctx, cleanupJob, 24*time.Hour)

	slog.Info("worker stopped gracefully")
	return nil
}

// runCleanupLoop は起動直後と以降interval毎にクリーンアップジョブを実行する。
// コンテキストがキャンセルされるまでブロックする。
func runCleanupLoop(ctx context.Context, job *cleanup.CleanupJob, interval time.Duration) {
	run := func() {
		if _, err := job.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}
	}

	// 起動直後に1回実行
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// pinger はDBの疎通確認のインターフェース。
type pinger interface {
	PingContext(ctx context.Context) error
}

// newHealthHandler は/healthのハンドラーを返す。DBに接続できない場合は503を返す。
func newHealthHandler(db pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(ctx); err != nil {
			slog.Warn("ヘルスチェックでDBに接続できません", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"status":"unavailable"}`)
			return
		}
		io.WriteString(w, `{"status":"ok"}`)
	})
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
