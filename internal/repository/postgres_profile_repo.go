package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/hitoshi/bandstand/internal/model"
)

const profileColumns = `id, email, display_name, first_name, last_name, role, category, subcategory,
	bio, location, portfolio_url, social_links, music_style, verified, disabled, admin,
	pricing, service_description, likes, created_at, updated_at`

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*model.Profile, error) {
	p := &model.Profile{}
	var (
		role        string
		socialLinks []byte
		disabled    int16
	)
	err := row.Scan(
		&p.ID, &p.Email, &p.DisplayName, &p.FirstName, &p.LastName, &role,
		&p.Category, &p.Subcategory, &p.Bio, &p.Location, &p.PortfolioURL,
		&socialLinks, &p.MusicStyle, &p.Verified, &disabled, &p.Admin,
		&p.Pricing, &p.ServiceDescription, &p.Likes, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Role = model.Role(role)
	p.Disabled = disabled != 0
	if len(socialLinks) > 0 {
		if err := json.Unmarshal(socialLinks, &p.SocialLinks); err != nil {
			return nil, fmt.Errorf("failed to decode social_links: %w", err)
		}
		if len(p.SocialLinks) == 0 {
			p.SocialLinks = nil
		}
	}
	return p, nil
}

// profileArgs はINSERT/UPDATE用の値を列順に並べて返す。
func profileArgs(p *model.Profile) ([]any, error) {
	links := p.SocialLinks
	if links == nil {
		links = map[string]string{}
	}
	socialLinks, err := json.Marshal(links)
	if err != nil {
		return nil, fmt.Errorf("failed to encode social_links: %w", err)
	}
	var disabled int16
	if p.Disabled {
		disabled = 1
	}
	return []any{
		p.ID, p.Email, p.DisplayName, p.FirstName, p.LastName, string(p.Role),
		p.Category, p.Subcategory, p.Bio, p.Location, p.PortfolioURL,
		socialLinks, p.MusicStyle, p.Verified, disabled, p.Admin,
		p.Pricing, p.ServiceDescription, p.Likes, p.CreatedAt, p.UpdatedAt,
	}, nil
}

// Create はプロフィールを作成する。CreatedAt/UpdatedAtが未設定の場合は現在時刻を使う。
func (r *PostgresProfileRepo) Create(ctx context.Context, profile *model.Profile) error {
	created, err := r.insert(ctx, profile, "")
	if err != nil {
		return err
	}
	if !created {
		return &model.RepoError{Kind: model.RepoConstraint, ID: profile.ID, Err: errors.New("profile already exists")}
	}
	return nil
}

// CreateIfAbsent は同一IDのプロフィールが存在しない場合のみ作成する。
func (r *PostgresProfileRepo) CreateIfAbsent(ctx context.Context, profile *model.Profile) (bool, error) {
	return r.insert(ctx, profile, "ON CONFLICT (id) DO NOTHING")
}

func (r *PostgresProfileRepo) insert(ctx context.Context, profile *model.Profile, onConflict string) (bool, error) {
	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = now
	}

	args, err := profileArgs(profile)
	if err != nil {
		return false, err
	}

	query := `INSERT INTO "User" (` + profileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21) ` + onConflict

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, classifyError(profile.ID, fmt.Errorf("failed to insert profile: %w", err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, classifyError(profile.ID, fmt.Errorf("failed to get rows affected: %w", err))
	}
	return rows == 1, nil
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM "User" WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyError(id, fmt.Errorf("failed to find profile by ID: %w", err))
	}
	return p, nil
}

// FindByEmail はメールアドレスでプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByEmail(ctx context.Context, email string) (*model.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM "User" WHERE lower(email) = lower($1)`, strings.TrimSpace(email),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyError(email, fmt.Errorf("failed to find profile by email: %w", err))
	}
	return p, nil
}

// Update は行ロックを取った上で部分更新を適用する。
// 同一ユーザーへの並行更新は後勝ちとなる。
func (r *PostgresProfileRepo) Update(ctx context.Context, id string, update model.ProfileUpdate) (*model.Profile, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyError(id, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	current, err := scanProfile(tx.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM "User" WHERE id = $1 FOR UPDATE`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyError(id, fmt.Errorf("failed to lock profile: %w", err))
	}

	update.Apply(current)
	current.UpdatedAt = time.Now().UTC()

	args, err := profileArgs(current)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE "User" SET
			email = $2, display_name = $3, first_name = $4, last_name = $5, role = $6,
			category = $7, subcategory = $8, bio = $9, location = $10, portfolio_url = $11,
			social_links = $12, music_style = $13, verified = $14, disabled = $15, admin = $16,
			pricing = $17, service_description = $18, likes = $19, updated_at = $20
		 WHERE id = $1`,
		append(args[:19:19], args[20])...,
	)
	if err != nil {
		return nil, classifyError(id, fmt.Errorf("failed to update profile: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyError(id, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return current, nil
}

// DeleteByID は指定IDのプロフィールを削除する。
func (r *PostgresProfileRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM "User" WHERE id = $1`, id)
	if err != nil {
		return classifyError(id, fmt.Errorf("failed to delete profile: %w", err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classifyError(id, fmt.Errorf("failed to get rows affected: %w", err))
	}
	if rowsAffected == 0 {
		return &model.RepoError{Kind: model.RepoNotFound, ID: id}
	}
	return nil
}

// ListAbandonedSignups は放置された登録を古い順に返す。
func (r *PostgresProfileRepo) ListAbandonedSignups(ctx context.Context, createdBefore time.Time, limit int) ([]*model.Profile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM "User"
		 WHERE role = '' AND verified = false AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		createdBefore, limit,
	)
	if err != nil {
		return nil, classifyError("", fmt.Errorf("failed to list abandoned signups: %w", err))
	}
	defer rows.Close()

	var profiles []*model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, classifyError("", fmt.Errorf("failed to scan profile: %w", err))
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError("", fmt.Errorf("failed to iterate profiles: %w", err))
	}
	return profiles, nil
}

// classifyError はドライバのエラーをRepoErrorに分類する。
// SQLSTATEクラス23（整合性制約違反）は制約エラー、それ以外は接続不可として扱う。
func classifyError(id string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		return &model.RepoError{Kind: model.RepoConstraint, ID: id, Err: err}
	}
	return &model.RepoError{Kind: model.RepoUnavailable, ID: id, Err: err}
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
