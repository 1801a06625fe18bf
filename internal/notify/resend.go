package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
)

// defaultBaseURL はResend APIのベースURL。
const defaultBaseURL = "https://api.resend.com"

// ResendConfig はResendClientの設定。
type ResendConfig struct {
	APIKey            string
	BaseURL           string // テスト用に差し替え可能
	From              string
	WelcomeTemplateID string // 空の場合はインラインHTMLを送る
	Recorder          Recorder
}

// ResendClient はResendのHTTP APIでメールを送信するNotifier。
// 連続した失敗でサーキットブレーカーを開き、その間は送信を試みない。
type ResendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	config     ResendConfig
	cb         *gobreaker.CircuitBreaker[struct{}]
}

// NewResendClient はResendClientを生成する。
func NewResendClient(httpClient *http.Client, logger *slog.Logger, config ResendConfig) *ResendClient {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	c := &ResendClient{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
	}
	c.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "email-provider",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("メール送信のサーキットブレーカーの状態が変化しました",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return c
}

// emailRequest はResendの POST /emails リクエストボディ。
type emailRequest struct {
	From     string         `json:"from"`
	To       []string       `json:"to"`
	Subject  string         `json:"subject"`
	HTML     string         `json:"html,omitempty"`
	Template *emailTemplate `json:"template,omitempty"`
}

type emailTemplate struct {
	ID        string            `json:"id"`
	Variables map[string]string `json:"variables,omitempty"`
}

// SendWelcome はオンボーディング完了時のウェルカムメールを送る。
// テンプレートIDが設定されていればテンプレートで送信する。
func (c *ResendClient) SendWelcome(ctx context.Context, email, firstName string) bool {
	req := emailRequest{
		From:    c.config.From,
		To:      []string{email},
		Subject: "Bandstandへようこそ",
	}
	if c.config.WelcomeTemplateID != "" {
		req.Template = &emailTemplate{
			ID:        c.config.WelcomeTemplateID,
			Variables: map[string]string{"firstName": firstName},
		}
	} else {
		name := firstName
		if name == "" {
			name = "ようこそ"
		}
		req.HTML = fmt.Sprintf("<p>%sさん</p><p>Bandstandへの登録が完了しました。</p>", html.EscapeString(name))
	}
	return c.send(ctx, KindWelcome, req)
}

// SendVerification はメールアドレス確認リンクを送る。
func (c *ResendClient) SendVerification(ctx context.Context, email, link string) bool {
	return c.send(ctx, KindVerification, emailRequest{
		From:    c.config.From,
		To:      []string{email},
		Subject: "メールアドレスの確認",
		HTML: fmt.Sprintf(`<p>以下のリンクからメールアドレスを確認してください。</p><p><a href="%s">メールアドレスを確認する</a></p>`,
			html.EscapeString(link)),
	})
}

// SendPasswordReset はパスワード再設定リンクを送る。
func (c *ResendClient) SendPasswordReset(ctx context.Context, email, link string) bool {
	return c.send(ctx, KindPasswordReset, emailRequest{
		From:    c.config.From,
		To:      []string{email},
		Subject: "パスワードの再設定",
		HTML: fmt.Sprintf(`<p>以下のリンクからパスワードを再設定してください。</p><p><a href="%s">パスワードを再設定する</a></p><p>心当たりがない場合はこのメールを破棄してください。</p>`,
			html.EscapeString(link)),
	})
}

// send はサーキットブレーカー越しにメールを送信し、結果をログとメトリクスに記録する。
func (c *ResendClient) send(ctx context.Context, kind string, req emailRequest) bool {
	_, err := c.cb.Execute(func() (struct{}, error) {
		return struct{}{}, c.post(ctx, req)
	})

	result := "sent"
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
	default:
		result = "failed"
	}
	if c.config.Recorder != nil {
		c.config.Recorder.RecordEmail(kind, result)
	}

	if err != nil {
		c.logger.Error("メール送信に失敗しました",
			slog.String("kind", kind),
			slog.String("to", maskEmail(firstRecipient(req))),
			slog.String("result", result),
			slog.String("error", err.Error()),
		)
		return false
	}

	c.logger.Info("メールを送信しました",
		slog.String("kind", kind),
		slog.String("to", maskEmail(firstRecipient(req))),
	)
	return true
}

func (c *ResendClient) post(ctx context.Context, body emailRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Bandstand/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("メールAPIがステータス %d を返しました: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func firstRecipient(req emailRequest) string {
	if len(req.To) == 0 {
		return ""
	}
	return req.To[0]
}
