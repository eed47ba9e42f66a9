package oauth

import (
	"crypto/hmac"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// DefaultCodeTTL is how long an authorization code stays exchangeable.
const DefaultCodeTTL = 5 * time.Minute

const (
	macSize        = 32
	keyDerivation  = "crmbridge 2024 oauth authorization code v1"
	maxEncodedCode = 8 << 10
)

var (
	// ErrInvalidCode is the only error exchange callers should surface.
	ErrInvalidCode = errors.New("Invalid or expired code")

	errMalformed    = errors.New("oauth: malformed code")
	errBadSignature = errors.New("oauth: code signature mismatch")
	errExpired      = errors.New("oauth: code expired")
	errFuture       = errors.New("oauth: code issued in the future")
)

// codePayload is the signed content of an authorization code.
type codePayload struct {
	Token    string `cbor:"1,keyasint"`
	IssuedAt int64  `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("oauth: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("oauth: CBOR decoder initialization failed: " + err.Error())
	}
}

// Signer mints and verifies authorization codes. A code is the CBOR payload
// followed by a BLAKE3 keyed MAC, base64url encoded. Codes are time-bounded
// only; the same code can be exchanged any number of times within its TTL.
type Signer struct {
	key [32]byte
	ttl time.Duration
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("oauth: signing secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	s := &Signer{ttl: ttl}
	blake3.DeriveKey(keyDerivation, []byte(secret), s.key[:])
	return s, nil
}

func (s *Signer) TTL() time.Duration { return s.ttl }

func (s *Signer) Mint(token string) (string, error) {
	return s.MintAt(token, time.Now())
}

func (s *Signer) MintAt(token string, now time.Time) (string, error) {
	if token == "" {
		return "", errors.New("oauth: empty token")
	}
	payload, err := encMode.Marshal(codePayload{Token: token, IssuedAt: now.Unix()})
	if err != nil {
		return "", fmt.Errorf("oauth: encoding code payload: %w", err)
	}
	mac, err := s.mac(payload)
	if err != nil {
		return "", err
	}
	raw := make([]byte, 0, len(payload)+macSize)
	raw = append(raw, payload...)
	raw = append(raw, mac...)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (s *Signer) Verify(code string) (string, error) {
	return s.VerifyAt(code, time.Now())
}

// VerifyAt returns the token sealed in code when its MAC matches and no more
// than TTL (whole seconds) has elapsed since issuance at now.
func (s *Signer) VerifyAt(code string, now time.Time) (string, error) {
	token, err := s.open(code, now)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCode, err)
	}
	return token, nil
}

func (s *Signer) open(code string, now time.Time) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" || len(code) > maxEncodedCode {
		return "", errMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil || len(raw) <= macSize {
		return "", errMalformed
	}
	split := len(raw) - macSize
	payload, got := raw[:split], raw[split:]
	want, err := s.mac(payload)
	if err != nil {
		return "", err
	}
	if !hmac.Equal(got, want) {
		return "", errBadSignature
	}
	var p codePayload
	if err := decMode.Unmarshal(payload, &p); err != nil || p.Token == "" {
		return "", errMalformed
	}
	age := now.Unix() - p.IssuedAt
	if age < 0 {
		return "", errFuture
	}
	if age > int64(s.ttl/time.Second) {
		return "", errExpired
	}
	return p.Token, nil
}

func (s *Signer) mac(payload []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("oauth: keyed hash initialization failed: %w", err)
	}
	_, _ = h.Write(payload)
	return h.Sum(nil), nil
}
