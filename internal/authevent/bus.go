// Package authevent はサインイン・サインアウトの変化を購読者に配信する。
// ペイロードはプロフィール（サインアウト時はnil）で、イベント名はauth-change。
package authevent

import (
	"log/slog"
	"sync"

	"github.com/hitoshi/bandstand/internal/model"
)

// EventName はクライアントに通知するイベント名。
const EventName = "auth-change"

// Change は認証状態の変化を表す。
// Profileがnilの場合はサインアウトを意味する。
type Change struct {
	DeviceID string
	UserID   string
	Profile  *model.Profile
}

// Publisher は認証状態の変化を発行する。
type Publisher interface {
	Publish(change Change)
}

type subscriber struct {
	ch       chan Change
	deviceID string
}

// Bus はプロセス内の認証状態変化の配信を管理する。
// 購読者のバッファが溢れた場合はその購読者への配信を捨てる（発行側はブロックしない）。
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	logger *slog.Logger
}

// NewBus はBusを生成する。
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe はdeviceIDの変化を受け取るチャネルと購読解除関数を返す。
// deviceIDが空の場合は全デバイスの変化を受け取る。
func (b *Bus) Subscribe(deviceID string, buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Change, buffer), deviceID: deviceID}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish は変化を該当する購読者に配信する。
func (b *Bus) Publish(change Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		if sub.deviceID != "" && sub.deviceID != change.DeviceID {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			b.logger.Warn("auth-change購読者のバッファが溢れたため配信を破棄しました",
				slog.String("device_id", change.DeviceID),
			)
		}
	}
}

// SubscriberCount は現在の購読者数を返す。
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
