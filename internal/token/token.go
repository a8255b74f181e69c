package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/activation/internal/cache"
	"github.com/kkkkikiki/activation/internal/clock"
)

// ErrInvalidToken is the only error callers see for a rejected token.
var ErrInvalidToken = errors.New("token: invalid token")

// RevokedPrefix namespaces revocation keys in the cache
const RevokedPrefix = "token:revoked:"

var encoding = base64.RawURLEncoding

// Claims is the token payload.
type Claims struct {
	ActivationID string `json:"activation_id"`
	UserID       string `json:"user_id"`
	CampaignID   string `json:"campaign_id"`
	RewardID     string `json:"reward_id"`
	RewardType   string `json:"reward_type"`
	Value        string `json:"value"`
	IssuedAt     int64  `json:"issued_at"`
	ExpiresAt    int64  `json:"expires_at"`
}

// Signer issues and verifies reward tokens
type Signer struct {
	secret []byte
	cache  cache.Cache
	clock  clock.Clock
	maxTTL time.Duration
	logger *zap.Logger
}

// NewSigner creates a signer. maxTTL bounds the lifetime of revocation entries.
func NewSigner(secret string, c cache.Cache, clk clock.Clock, maxTTL time.Duration, logger *zap.Logger) *Signer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signer{
		secret: []byte(secret),
		cache:  c,
		clock:  clk,
		maxTTL: maxTTL,
		logger: logger,
	}
}

// Sign encodes the claims and appends their MAC
func (s *Signer) Sign(claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}
	return encoding.EncodeToString(payload) + "." + encoding.EncodeToString(s.mac(claims)), nil
}

// Verify checks signature, expiry and revocation.
func (s *Signer) Verify(ctx context.Context, raw string) (*Claims, error) {
	payloadPart, macPart, ok := strings.Cut(raw, ".")
	if !ok {
		return nil, s.reject("malformed token")
	}

	payload, err := encoding.DecodeString(payloadPart)
	if err != nil {
		return nil, s.reject("payload is not base64url")
	}
	provided, err := encoding.DecodeString(macPart)
	if err != nil {
		return nil, s.reject("mac is not base64url")
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, s.reject("payload is not json")
	}
	if !hmac.Equal(provided, s.mac(claims)) {
		return nil, s.reject("signature mismatch")
	}
	if s.clock.Now().Unix() > claims.ExpiresAt {
		return nil, s.reject("token expired")
	}

	_, revoked, err := s.cache.Get(ctx, RevokedPrefix+claims.ActivationID)
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		return nil, s.reject("token revoked")
	}

	return &claims, nil
}

// Revoke marks every token of the activation as unusable
func (s *Signer) Revoke(ctx context.Context, activationID string) error {
	if err := s.cache.Set(ctx, RevokedPrefix+activationID, []byte("1"), s.maxTTL); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// Hash returns the hex SHA-256 of a token, as stored on the activation.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// mac covers the identifying fields, each framed by its 8-byte length
func (s *Signer) mac(c Claims) []byte {
	h := hmac.New(sha256.New, s.secret)
	var size [8]byte
	for _, field := range []string{
		c.ActivationID,
		c.UserID,
		c.CampaignID,
		c.RewardID,
		strconv.FormatInt(c.ExpiresAt, 10),
	} {
		binary.BigEndian.PutUint64(size[:], uint64(len(field)))
		h.Write(size[:])
		h.Write([]byte(field))
	}
	return h.Sum(nil)
}

func (s *Signer) reject(cause string) error {
	s.logger.Debug("token rejected", zap.String("cause", cause))
	return ErrInvalidToken
}
