// Package sessioncache はデバイスごとのセッションキャッシュを提供する。
// 最後に認証されたプロフィールのスナップショットと、サイト全体のパスワードゲート用の
// authorizedフラグをBadgerDBに永続化する。
package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/hitoshi/bandstand/internal/model"
)

// キーのプレフィックス
const (
	userKeyPrefix       = "user:"
	authorizedKeyPrefix = "authorized:"
	userDeviceKeyPrefix = "user_devices:"
)

// Entry はデバイスに紐づくキャッシュエントリ。
// Userはサインアウト済みの場合nil。
type Entry struct {
	User       *model.Profile `json:"user"`
	Authorized bool           `json:"authorized"`
}

// Store はBadgerDBを使用したセッションキャッシュ。
type Store struct {
	db    *badger.DB
	ttl   time.Duration
	owned bool
}

// Open はdirにBadgerDBを開いてStoreを生成する。
// dirが空の場合はインメモリで動作する（再起動で消える）。
// ttlはユーザースナップショットの保持期間で、0の場合は無期限。
func Open(dir string, ttl time.Duration) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open session cache: %w", err)
	}
	return &Store{db: db, ttl: ttl, owned: true}, nil
}

// New は既存のBadgerDBを使用するStoreを生成する。Closeしてもdbは閉じない。
func New(db *badger.DB, ttl time.Duration) *Store {
	return &Store{db: db, ttl: ttl}
}

// Close はOpenで開いたBadgerDBを閉じる。
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Get はデバイスのキャッシュエントリを返す。何も保存されていない場合は空のEntryを返す。
func (s *Store) Get(_ context.Context, deviceID string) (*Entry, error) {
	entry := &Entry{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userKeyPrefix + deviceID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return fmt.Errorf("get user snapshot: %w", err)
		default:
			if err := item.Value(func(val []byte) error {
				entry.User = &model.Profile{}
				return json.Unmarshal(val, entry.User)
			}); err != nil {
				return fmt.Errorf("decode user snapshot: %w", err)
			}
		}

		item, err = txn.Get([]byte(authorizedKeyPrefix + deviceID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		case err != nil:
			return fmt.Errorf("get authorized flag: %w", err)
		}
		return item.Value(func(val []byte) error {
			entry.Authorized, _ = strconv.ParseBool(string(val))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// PutUser はデバイスのユーザースナップショットを上書きする。
func (s *Store) PutUser(_ context.Context, deviceID string, profile *model.Profile) error {
	if profile == nil {
		return errors.New("profile is required")
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal user snapshot: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(s.entry(userKeyPrefix+deviceID, data)); err != nil {
			return fmt.Errorf("set user snapshot: %w", err)
		}
		// 退会時に全デバイスのスナップショットを消すための逆引き
		if err := txn.SetEntry(s.entry(userDeviceKeyPrefix+profile.ID+":"+deviceID, []byte(deviceID))); err != nil {
			return fmt.Errorf("set user device mapping: %w", err)
		}
		return nil
	})
}

// DeleteUser はデバイスのユーザースナップショットを削除する。
// authorizedフラグはサインアウトとは独立しているため残す。
func (s *Store) DeleteUser(_ context.Context, deviceID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(userKeyPrefix + deviceID)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get user snapshot: %w", err)
		}

		var snapshot model.Profile
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snapshot)
		}); err == nil && snapshot.ID != "" {
			if err := txn.Delete([]byte(userDeviceKeyPrefix + snapshot.ID + ":" + deviceID)); err != nil {
				return fmt.Errorf("delete user device mapping: %w", err)
			}
		}

		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("delete user snapshot: %w", err)
		}
		return nil
	})
}

// SetAuthorized はデバイスのauthorizedフラグを保存する。
func (s *Store) SetAuthorized(_ context.Context, deviceID string, authorized bool) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(authorizedKeyPrefix+deviceID), []byte(strconv.FormatBool(authorized)))
	})
}

// PurgeUser は指定ユーザーのスナップショットを全デバイスから削除し、削除したデバイスIDを返す。
// 別ユーザーで上書き済みのデバイスは対象外とする。
func (s *Store) PurgeUser(ctx context.Context, userID string) ([]string, error) {
	var deviceIDs []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(userDeviceKeyPrefix + userID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				deviceIDs = append(deviceIDs, string(val))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list user devices: %w", err)
	}

	var purged []string
	for _, deviceID := range deviceIDs {
		entry, err := s.Get(ctx, deviceID)
		if err != nil {
			return purged, err
		}
		if entry.User == nil || entry.User.ID != userID {
			if err := s.db.Update(func(txn *badger.Txn) error {
				return txn.Delete([]byte(userDeviceKeyPrefix + userID + ":" + deviceID))
			}); err != nil {
				return purged, fmt.Errorf("delete stale device mapping: %w", err)
			}
			continue
		}
		if err := s.DeleteUser(ctx, deviceID); err != nil {
			return purged, err
		}
		purged = append(purged, deviceID)
	}
	return purged, nil
}

func (s *Store) entry(key string, val []byte) *badger.Entry {
	e := badger.NewEntry([]byte(key), val)
	if s.ttl > 0 {
		e = e.WithTTL(s.ttl)
	}
	return e
}
