package pgp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	wrapIterations = 150000
	wrapKeyLen     = 32
	wrapSaltLen    = 16
	wrapIVLen      = 12
)

// WrappedKey is a private key sealed under a password-derived AES-256-GCM
// key.
type WrappedKey struct {
	Salt       []byte `cbor:"salt" json:"salt"`
	IV         []byte `cbor:"iv" json:"iv"`
	Ciphertext []byte `cbor:"ciphertext" json:"ciphertext"`
}

// DeriveWrappingKey stretches password with PBKDF2-SHA256.
func DeriveWrappingKey(password []byte, salt []byte) []byte {
	return pbkdf2.Key(password, salt, wrapIterations, wrapKeyLen, sha256.New)
}

func newGCM(password, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(DeriveWrappingKey(password, salt))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func WrapPrivateKey(privateKey string, password []byte) (WrappedKey, error) {
	salt := make([]byte, wrapSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return WrappedKey{}, err
	}
	iv := make([]byte, wrapIVLen)
	if _, err := rand.Read(iv); err != nil {
		return WrappedKey{}, err
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return WrappedKey{}, err
	}

	return WrappedKey{
		Salt:       salt,
		IV:         iv,
		Ciphertext: gcm.Seal(nil, iv, []byte(privateKey), nil),
	}, nil
}

func UnwrapPrivateKey(wrapped WrappedKey, password []byte) (string, error) {
	if len(wrapped.Salt) != wrapSaltLen || len(wrapped.IV) != wrapIVLen {
		return "", fmt.Errorf("%w: bad salt or iv length", ErrCorruptData)
	}

	gcm, err := newGCM(password, wrapped.Salt)
	if err != nil {
		return "", err
	}
	if len(wrapped.Ciphertext) < gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCorruptData)
	}

	// GCM cannot tell a wrong password from tampering; a wrong password is
	// by far the common case.
	plaintext, err := gcm.Open(nil, wrapped.IV, wrapped.Ciphertext, nil)
	if err != nil {
		return "", ErrBadPassphrase
	}
	return string(plaintext), nil
}
