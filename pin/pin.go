// Package pin issues and checks the 4-digit pickup code a driver uses to
// confirm a rider has actually been picked up. Codes are stored in two forms:
// a bcrypt hash used for verification and an AES-GCM ciphertext used to show
// the code back to the rider. The plaintext only exists inside Issue.
package pin

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Length is the number of digits in a pickup code.
	Length = 4

	// TTL is how long a code stays valid after issuance.
	TTL = 24 * time.Hour

	// MaxAttempts failed verifications in a row trigger a lockout.
	MaxAttempts = 5

	// LockoutDuration is how long verification stays blocked after
	// MaxAttempts failures.
	LockoutDuration = 10 * time.Minute
)

var (
	ErrMalformed = errors.New("malformed encrypted pin")
)

// kdf parameters for deriving the AES key from the configured secret.
// Changing these invalidates every stored encrypted pin.
const (
	kdfSalt = "ridepool-pickup-pin-v1"
	kdfIter = 4096
)

// Credential is the storable form of an issued pickup code.
type Credential struct {
	Hash      string
	Encrypted string
	ExpiresAt time.Time
}

type Service struct {
	aead cipher.AEAD
}

// NewService derives the symmetric key from secret and prepares the cipher.
func NewService(secret string) (*Service, error) {
	if secret == "" {
		return nil, errors.New("pin secret must not be empty")
	}
	key := pbkdf2.Key([]byte(secret), []byte(kdfSalt), kdfIter, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Service{aead: aead}, nil
}

var codeSpace = big.NewInt(10000)

// Issue draws a fresh code, redrawing until it clears the weak-code deny
// list, and returns both storable forms. The plaintext is not returned.
func (s *Service) Issue(now time.Time) (Credential, error) {
	var code string
	for {
		n, err := rand.Int(rand.Reader, codeSpace)
		if err != nil {
			return Credential{}, err
		}
		code = fmt.Sprintf("%0*d", Length, n)
		if !Weak(code) {
			break
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return Credential{}, err
	}
	enc, err := s.seal(code)
	if err != nil {
		return Credential{}, err
	}
	return Credential{
		Hash:      string(hash),
		Encrypted: enc,
		ExpiresAt: now.Add(TTL),
	}, nil
}

// Verify reports whether submitted matches the stored hash.
func (s *Service) Verify(hash, submitted string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(submitted)) == nil
}

// Reveal decrypts the stored reversible form for display to the rider.
func (s *Service) Reveal(encrypted string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", ErrMalformed
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrMalformed
	}
	code, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrMalformed
	}
	return string(code), nil
}

func (s *Service) seal(code string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(code), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// ValidFormat reports whether s is exactly Length decimal digits. Callers
// check this before touching any stored credential.
func ValidFormat(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Weak reports whether a code is on the deny list: all digits equal, or a
// strictly ascending/descending run, wrap-around included (e.g. "9012").
func Weak(code string) bool {
	same, asc, desc := true, true, true
	for i := 1; i < len(code); i++ {
		prev, cur := int(code[i-1]-'0'), int(code[i]-'0')
		if cur != prev {
			same = false
		}
		if cur != (prev+1)%10 {
			asc = false
		}
		if cur != (prev+9)%10 {
			desc = false
		}
	}
	return same || asc || desc
}
