package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/NowSquare/Agent-AI-sub001/internal/config"
	"github.com/NowSquare/Agent-AI-sub001/internal/domain/action"
)

const (
	linkIssuer  = "agentai"
	linkKeyInfo = "agentai action links v1"
	minSecret   = 32
)

// LinkSigner issues and verifies signed, single-purpose action links.
type LinkSigner struct {
	key     []byte
	baseURL string
	now     func() time.Time
}

// NewLinkSigner derives the HMAC key from the configured secret.
func NewLinkSigner(cfg config.Links) (*LinkSigner, error) {
	if len(cfg.Secret) < minSecret {
		return nil, fmt.Errorf("links: secret must be at least %d bytes", minSecret)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(cfg.Secret), nil, []byte(linkKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("links: derive key: %w", err)
	}
	return &LinkSigner{
		key:     key,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		now:     time.Now,
	}, nil
}

// linkTokenClaims is the JWT form of action.LinkClaims. The action ID is the
// subject and the nonce is the token ID.
type linkTokenClaims struct {
	Purpose  action.Purpose `json:"pur"`
	OptionID string         `json:"opt,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a link authorizing purpose on actionID until expiresAt.
func (s *LinkSigner) Issue(actionID string, purpose action.Purpose, optionID, label string, expiresAt time.Time) (action.Link, error) {
	now := s.now()
	c := action.LinkClaims{
		ActionID:  actionID,
		Purpose:   purpose,
		OptionID:  optionID,
		ExpiresAt: expiresAt,
		IssuedAt:  now,
		Nonce:     uuid.NewString(),
	}
	if err := c.Validate(); err != nil {
		return action.Link{}, err
	}

	claims := linkTokenClaims{
		Purpose:  c.Purpose,
		OptionID: c.OptionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    linkIssuer,
			Subject:   c.ActionID,
			ID:        c.Nonce,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return action.Link{}, fmt.Errorf("sign link: %w", err)
	}

	return action.Link{
		Purpose:   purpose,
		OptionID:  optionID,
		Label:     label,
		URL:       s.baseURL + "/a/" + token,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Verify checks the algorithm, signature and shape of token, then its expiry
// against the signer's clock. An expired but authentic link returns its claims
// together with action.ErrConfirmationExpired.
func (s *LinkSigner) Verify(token string) (*action.LinkClaims, error) {
	var claims linkTokenClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", action.ErrConfirmationInvalid, err)
	}
	if claims.Issuer != linkIssuer || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: unexpected issuer or missing expiry", action.ErrConfirmationInvalid)
	}

	c := &action.LinkClaims{
		ActionID:  claims.Subject,
		Purpose:   claims.Purpose,
		OptionID:  claims.OptionID,
		ExpiresAt: claims.ExpiresAt.Time,
		Nonce:     claims.ID,
	}
	if claims.IssuedAt != nil {
		c.IssuedAt = claims.IssuedAt.Time
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", action.ErrConfirmationInvalid, err)
	}
	if !s.now().Before(c.ExpiresAt) {
		return c, action.ErrConfirmationExpired
	}
	return c, nil
}

// tokenFingerprint identifies a token in logs without revealing it.
func tokenFingerprint(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:6])
}

