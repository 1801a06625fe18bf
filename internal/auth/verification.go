package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	linkIssuer   = "bandstand"
	linkAudience = "email-verification"
)

// ErrInvalidLink は確認リンクのトークンが不正または期限切れの場合のエラー。
var ErrInvalidLink = errors.New("invalid verification link")

// verificationClaims は確認リンクに埋め込むクレーム。
type verificationClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// LinkSigner はメールアドレス確認リンクの署名と検証を行う。
// トークンはSESSION_SECRETで署名したHS256のJWTで、状態をサーバーに持たない。
type LinkSigner struct {
	secret  []byte
	ttl     time.Duration
	baseURL string
	now     func() time.Time
}

// NewLinkSigner はLinkSignerを生成する。
func NewLinkSigner(secret string, ttl time.Duration, baseURL string) *LinkSigner {
	return &LinkSigner{
		secret:  []byte(secret),
		ttl:     ttl,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Link はユーザーIDとメールアドレスに紐づく確認リンクを生成する。
func (s *LinkSigner) Link(userID, email string) (string, error) {
	now := s.now()
	claims := verificationClaims{
		Email: strings.ToLower(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    linkIssuer,
			Audience:  jwt.ClaimStrings{linkAudience},
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign verification token: %w", err)
	}
	return s.baseURL + "/auth/verify?token=" + url.QueryEscape(token), nil
}

// Verify はトークンを検証し、ユーザーIDとメールアドレスを返す。
// 署名不正、期限切れ、用途違いはすべてErrInvalidLinkとして返す。
func (s *LinkSigner) Verify(token string) (userID, email string, err error) {
	claims := &verificationClaims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(linkIssuer),
		jwt.WithAudience(linkAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if claims.Subject == "" || claims.Email == "" {
		return "", "", ErrInvalidLink
	}
	return claims.Subject, claims.Email, nil
}
