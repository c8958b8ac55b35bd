package delivery

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// UnsubscribeTokenTTL は配信停止トークンの有効期間。
	UnsubscribeTokenTTL = 90 * 24 * time.Hour

	unsubscribeTokenType = "unsubscribe"
)

// ErrInvalidUnsubscribeToken は配信停止トークンを検証できなかったことを示す。
var ErrInvalidUnsubscribeToken = errors.New("配信停止トークンが不正です")

// unsubscribeClaims は配信停止トークンのペイロード。subは受信者ID。
type unsubscribeClaims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// UnsubscribeSigner はワンクリック配信停止リンクのトークンを署名・検証する。
// トークンはHS256で署名したJWTで、サーバー側に状態を持たない。
type UnsubscribeSigner struct {
	secret  []byte
	baseURL *url.URL
	now     func() time.Time
}

// NewUnsubscribeSigner はUnsubscribeSignerを生成する。
// baseURLにはtokenクエリを付与して配信停止リンクとする。
func NewUnsubscribeSigner(secret, baseURL string) (*UnsubscribeSigner, error) {
	if secret == "" {
		return nil, errors.New("配信停止トークンの署名鍵が設定されていません")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("配信停止URLが不正です: %q", baseURL)
	}
	return &UnsubscribeSigner{
		secret:  []byte(secret),
		baseURL: u,
		now:     time.Now,
	}, nil
}

// Token は受信者IDをsubに持つ配信停止トークンを発行する。
func (s *UnsubscribeSigner) Token(ownerID string) (string, error) {
	now := s.now()
	claims := unsubscribeClaims{
		Type: unsubscribeTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(UnsubscribeTokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("配信停止トークンの署名に失敗しました: %w", err)
	}
	return signed, nil
}

// URL は受信者の配信停止リンクを返す。
func (s *UnsubscribeSigner) URL(ownerID string) (string, error) {
	token, err := s.Token(ownerID)
	if err != nil {
		return "", err
	}
	u := *s.baseURL
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify はトークンの署名・有効期限・種別を検証し、受信者IDを返す。
func (s *UnsubscribeSigner) Verify(token string) (string, error) {
	claims := &unsubscribeClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidUnsubscribeToken, err)
	}
	if claims.Type != unsubscribeTokenType || claims.Subject == "" {
		return "", ErrInvalidUnsubscribeToken
	}
	return claims.Subject, nil
}
