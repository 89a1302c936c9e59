package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"strings"
)

const (
	opaqueTokenBytes = 32
	ticketIDBytes    = 16
)

// RecoveryCodeAlphabet avoids 0/O/1/I so codes survive being read aloud.
const RecoveryCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewOpaqueToken returns a 256-bit random bearer token, base64url without
// padding. Used for session tokens and security tokens.
func NewOpaqueToken() (string, error) {
	var raw [opaqueTokenBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewTicketID returns a compact random id for pending login tickets.
func NewTicketID() (string, error) {
	var raw [ticketIDBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// HashToken derives the cache/storage key for a bearer token. Raw tokens
// never leave the request path.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashCode binds a short code (TOTP or recovery) to its user before
// hashing, so identical codes for different users never collide.
func HashCode(userID, canonicalCode string) string {
	data := make([]byte, 0, len(userID)+1+len(canonicalCode))
	data = append(data, userID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewRecoveryCode draws length characters from RecoveryCodeAlphabet.
func NewRecoveryCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	max := big.NewInt(int64(len(RecoveryCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(RecoveryCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// FormatRecoveryCode inserts the display hyphen: ABCDE-FGHJK.
func FormatRecoveryCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

// CanonicalizeRecoveryCode strips formatting and case before hashing, so
// users can enter codes however their password manager stored them.
func CanonicalizeRecoveryCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}
