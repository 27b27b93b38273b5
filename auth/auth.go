// Package auth implements the bearer credential scheme: a random salt is
// the lookup key, and only a PBKDF2 hash of the secret is stored.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is the PBKDF2 round count for newly issued credentials.
	// Stored credentials carry their own count, so this can be raised
	// without invalidating them.
	Iterations = 10000

	saltLength = 16
	keyLength  = 32
)

// Credential is the server-side half of an issued secret.
type Credential struct {
	Salt       []byte
	Hash       []byte
	Iterations int
}

// Issue generates a fresh secret and returns it in presentable token form
// together with the credential to persist. The plaintext secret is not
// recoverable afterwards.
func Issue() (token string, cred Credential, err error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", Credential{}, errors.Wrap(err, "generating salt")
	}
	secret := make([]byte, keyLength)
	if _, err := rand.Read(secret); err != nil {
		return "", Credential{}, errors.Wrap(err, "generating secret")
	}

	cred = Credential{
		Salt:       salt,
		Hash:       Hash(secret, salt, Iterations),
		Iterations: Iterations,
	}
	token = base64.RawURLEncoding.EncodeToString(salt) + ":" + base64.RawURLEncoding.EncodeToString(secret)
	return token, cred, nil
}

// ParseToken splits a presented token into its salt and secret halves.
func ParseToken(token string) (salt, secret []byte, err error) {
	saltPart, secretPart, found := strings.Cut(token, ":")
	if !found {
		return nil, nil, errors.New("malformed token")
	}
	salt, err = base64.RawURLEncoding.DecodeString(saltPart)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decoding salt")
	}
	secret, err = base64.RawURLEncoding.DecodeString(secretPart)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decoding secret")
	}
	return salt, secret, nil
}

// Hash derives the stored key from a secret.
func Hash(secret, salt []byte, iterations int) []byte {
	return pbkdf2.Key(secret, salt, iterations, keyLength, sha256.New)
}

// Verify checks a presented secret against a stored credential in
// constant time.
func Verify(secret []byte, cred Credential) bool {
	derived := Hash(secret, cred.Salt, cred.Iterations)
	return subtle.ConstantTimeCompare(derived, cred.Hash) == 1
}
