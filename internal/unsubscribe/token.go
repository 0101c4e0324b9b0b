// Package unsubscribe issues and verifies the signed links placed in every mail.
package unsubscribe

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TypeUnsubscribe = "unsubscribe"
	TypeClick       = "click"

	DefaultTTL = 30 * 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	CampaignID string `json:"campaign_id"`
	Type       string `json:"type"`
	jwt.RegisteredClaims
}

type Config struct {
	BaseURL string
	Secret  string
	TTL     time.Duration
}

type Signer struct {
	baseURL string
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
}

func NewSigner(cfg Config) (*Signer, error) {
	if cfg.Secret == "" {
		return nil, errors.New("unsubscribe secret is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  []byte(cfg.Secret),
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

func (s *Signer) Token(tokenType string, recipientID, campaignID uuid.UUID) (string, error) {
	now := s.now()
	claims := Claims{
		CampaignID: campaignID.String(),
		Type:       tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   recipientID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

// UnsubscribeURL builds `{base}/unsubscribe?token=...`.
func (s *Signer) UnsubscribeURL(recipientID, campaignID uuid.UUID) (string, error) {
	token, err := s.Token(TypeUnsubscribe, recipientID, campaignID)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/unsubscribe?token=" + url.QueryEscape(token), nil
}

// Verify checks signature, expiry and type, returning recipient and campaign ids.
func (s *Signer) Verify(token, wantType string) (recipientID, campaignID uuid.UUID, err error) {
	var claims Claims
	_, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Type != wantType {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: unexpected type %q", ErrInvalidToken, claims.Type)
	}

	if recipientID, err = uuid.Parse(claims.Subject); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	if campaignID, err = uuid.Parse(claims.CampaignID); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("%w: bad campaign", ErrInvalidToken)
	}
	return recipientID, campaignID, nil
}

// ClickURL builds `{base}/track/click?token=...&url=...` which records a click
// and redirects to target.
func (s *Signer) ClickURL(recipientID, campaignID uuid.UUID, target string) (string, error) {
	token, err := s.Token(TypeClick, recipientID, campaignID)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("token", token)
	q.Set("url", target)
	return s.baseURL + "/track/click?" + q.Encode(), nil
}
