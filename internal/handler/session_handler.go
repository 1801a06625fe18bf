package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/bandstand/internal/authevent"
	"github.com/hitoshi/bandstand/internal/middleware"
	"github.com/hitoshi/bandstand/internal/model"
	"github.com/hitoshi/bandstand/internal/sessioncache"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsBuffer     = 8
)

// SessionStoreInterface はデバイスごとのセッションキャッシュのインターフェース。
type SessionStoreInterface interface {
	Get(ctx context.Context, deviceID string) (*sessioncache.Entry, error)
	SetAuthorized(ctx context.Context, deviceID string, authorized bool) error
}

// EventSubscriber は認証状態の変化を購読するインターフェース。
type EventSubscriber interface {
	Subscribe(deviceID string, buffer int) (<-chan authevent.Change, func())
}

// SessionHandler はセッションキャッシュと認証イベントのHTTPハンドラー。
type SessionHandler struct {
	store    SessionStoreInterface
	events   EventSubscriber
	upgrader websocket.Upgrader
}

// NewSessionHandler はSessionHandlerを生成する。
// allowedOriginは認証イベントのWebSocket接続を許可するオリジン。
func NewSessionHandler(store SessionStoreInterface, events EventSubscriber, allowedOrigin string) *SessionHandler {
	return &SessionHandler{
		store:  store,
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowedOrigin
			},
		},
	}
}

type sessionResponse struct {
	User       *model.Profile `json:"user"`
	Authorized bool           `json:"authorized"`
}

type authorizedRequest struct {
	Authorized *bool `json:"authorized" validate:"required"`
}

// authChangeMessage はWebSocketで送る認証状態の変化。
type authChangeMessage struct {
	Event string         `json:"event"`
	User  *model.Profile `json:"user"`
}

// GetSession はデバイスのキャッシュエントリを返す。
// GET /api/session
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	entry, err := h.store.Get(r.Context(), middleware.DeviceIDFromContext(r.Context()))
	if err != nil {
		slog.Error("セッションキャッシュの取得に失敗しました", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		User:       entry.User,
		Authorized: entry.Authorized,
	})
}

// SetAuthorized はデバイスのauthorizedフラグ（画面のゲート通過状態）を保存する。
// PUT /api/session/authorized
func (h *SessionHandler) SetAuthorized(w http.ResponseWriter, r *http.Request) {
	var req authorizedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	if err := h.store.SetAuthorized(r.Context(), middleware.DeviceIDFromContext(r.Context()), *req.Authorized); err != nil {
		slog.Error("authorizedフラグの保存に失敗しました", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events はデバイスの認証状態の変化をWebSocketで配信する。
// 接続直後に現在のキャッシュの状態を1回送る。
// GET /auth/events
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	deviceID := middleware.DeviceIDFromContext(r.Context())
	if deviceID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("device_id がありません"))
		return
	}

	changes, unsubscribe := h.events.Subscribe(deviceID, wsBuffer)
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		slog.Warn("WebSocketへのアップグレードに失敗しました", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	initial := authChangeMessage{Event: authevent.EventName}
	if entry, err := h.store.Get(r.Context(), deviceID); err == nil {
		initial.User = entry.User
	}
	if err := writeWSMessage(conn, initial); err != nil {
		return
	}

	// クライアントからの受信はpong処理と切断検知のみ
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := writeWSMessage(conn, authChangeMessage{Event: authevent.EventName, User: change.Profile}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeWSMessage(conn *websocket.Conn, msg authChangeMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
