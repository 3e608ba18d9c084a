package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cardsync/internal/platform/config"
)

var ErrAppNotConfigured = errors.New("github app credentials are not configured")

// AppTokenSigner produces the short lived RS256 JWT a GitHub App presents
// when exchanging for installation tokens.
type AppTokenSigner struct {
	appID int64
	key   *rsa.PrivateKey
	now   func() time.Time
}

func NewAppTokenSigner(appID int64, key *rsa.PrivateKey) *AppTokenSigner {
	return &AppTokenSigner{appID: appID, key: key, now: time.Now}
}

// LoadAppTokenSigner reads the PEM key inline from config or from disk.
// A missing app id or key is not fatal here; Sign reports it so the vault
// can surface an AuthError.
func LoadAppTokenSigner(cfg config.GitHubConfig) (*AppTokenSigner, error) {
	pem := []byte(cfg.PrivateKey)
	if len(pem) == 0 && cfg.PrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			if os.IsNotExist(err) {
				return NewAppTokenSigner(cfg.AppID, nil), nil
			}
			return nil, err
		}
		pem = data
	}
	if len(pem) == 0 {
		return NewAppTokenSigner(cfg.AppID, nil), nil
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	return NewAppTokenSigner(cfg.AppID, key), nil
}

func (s *AppTokenSigner) Sign() (string, error) {
	if s == nil || s.key == nil || s.appID == 0 {
		return "", ErrAppNotConfigured
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		// backdated to tolerate clock drift against GitHub
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    strconv.FormatInt(s.appID, 10),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.key)
}
