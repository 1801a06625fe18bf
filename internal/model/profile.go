// Package model はドメインモデルを定義する。
package model

import "time"

// Role はマーケットプレイス上でのユーザーの役割を表す。
// 空文字列は未設定（オンボーディング未完了）を意味する。
type Role string

const (
	RoleUnset    Role = ""
	RoleArtist   Role = "artist"
	RoleProvider Role = "provider"
	RolePartner  Role = "partner"
)

// Valid は設定済みの役割として有効かどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleArtist, RoleProvider, RolePartner:
		return true
	default:
		return false
	}
}

// IsSet は役割が選択済みかどうかを返す。
func (r Role) IsSet() bool {
	return r != RoleUnset
}

// Profile はUserテーブルに保存されるアプリケーション側のユーザーレコード。
// IDはIdPのユーザーIDと一致する（1対1、外部キー = 主キー）。
type Profile struct {
	ID                 string            `json:"id"`
	Email              string            `json:"email"`
	DisplayName        string            `json:"display_name"`
	FirstName          string            `json:"first_name"`
	LastName           string            `json:"last_name"`
	Role               Role              `json:"role"`
	Category           string            `json:"category,omitempty"`
	Subcategory        string            `json:"subcategory,omitempty"`
	Bio                string            `json:"bio,omitempty"`
	Location           string            `json:"location,omitempty"`
	PortfolioURL       string            `json:"portfolio_url,omitempty"`
	SocialLinks        map[string]string `json:"social_links,omitempty"`
	MusicStyle         string            `json:"music_style,omitempty"`
	Verified           bool              `json:"verified"`
	Disabled           bool              `json:"disabled"`
	Admin              bool              `json:"admin"`
	Pricing            string            `json:"pricing,omitempty"`
	ServiceDescription string            `json:"service_description,omitempty"`
	Likes              int               `json:"likes"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Clone はプロフィールのディープコピーを返す。
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.SocialLinks != nil {
		c.SocialLinks = make(map[string]string, len(p.SocialLinks))
		for k, v := range p.SocialLinks {
			c.SocialLinks[k] = v
		}
	}
	return &c
}

// ProfileUpdate はプロフィールの部分更新を表す。
// nilのフィールドは更新しない。
type ProfileUpdate struct {
	DisplayName        *string
	FirstName          *string
	LastName           *string
	Role               *Role
	Category           *string
	Subcategory        *string
	Bio                *string
	Location           *string
	PortfolioURL       *string
	SocialLinks        map[string]string
	MusicStyle         *string
	Verified           *bool
	Pricing            *string
	ServiceDescription *string
}

// IsEmpty は更新対象のフィールドが1つもないかどうかを返す。
func (u ProfileUpdate) IsEmpty() bool {
	return u.DisplayName == nil && u.FirstName == nil && u.LastName == nil &&
		u.Role == nil && u.Category == nil && u.Subcategory == nil &&
		u.Bio == nil && u.Location == nil && u.PortfolioURL == nil &&
		u.SocialLinks == nil && u.MusicStyle == nil && u.Verified == nil &&
		u.Pricing == nil && u.ServiceDescription == nil
}

// Apply は部分更新をプロフィールに適用する。
// artistロールでは料金とサービス説明を保持しない。
func (u ProfileUpdate) Apply(p *Profile) {
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.FirstName != nil {
		p.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		p.LastName = *u.LastName
	}
	if u.Role != nil {
		p.Role = *u.Role
	}
	if u.Category != nil {
		p.Category = *u.Category
	}
	if u.Subcategory != nil {
		p.Subcategory = *u.Subcategory
	}
	if u.Bio != nil {
		p.Bio = *u.Bio
	}
	if u.Location != nil {
		p.Location = *u.Location
	}
	if u.PortfolioURL != nil {
		p.PortfolioURL = *u.PortfolioURL
	}
	if u.SocialLinks != nil {
		p.SocialLinks = u.SocialLinks
	}
	if u.MusicStyle != nil {
		p.MusicStyle = *u.MusicStyle
	}
	if u.Verified != nil {
		p.Verified = *u.Verified
	}
	if u.Pricing != nil {
		p.Pricing = *u.Pricing
	}
	if u.ServiceDescription != nil {
		p.ServiceDescription = *u.ServiceDescription
	}
	if p.Role == RoleArtist {
		p.Pricing = ""
		p.ServiceDescription = ""
	}
}

// IdentityUser はIdPが管理するユーザー情報を表す。
type IdentityUser struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	EmailVerified bool           `json:"email_verified"`
	Metadata      map[string]any `json:"user_metadata,omitempty"`
}

// IdentitySession はIdPが発行したセッションを表す。
// AccessTokenはリクエスト認証に使うトークン、RefreshTokenはセッション延長に使う識別子。
type IdentitySession struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresAt    time.Time    `json:"expires_at"`
	User         IdentityUser `json:"user"`
}

// Expired はセッションが期限切れかどうかを返す。
// ExpiresAtが未設定の場合は期限切れとみなさない。
func (s *IdentitySession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
