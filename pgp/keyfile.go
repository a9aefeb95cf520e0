package pgp

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// KeyFile is the on-disk identity of a client: the username it registers
// as, its public key, and its password-wrapped private key.
type KeyFile struct {
	Username   string     `cbor:"username"`
	PublicKey  string     `cbor:"publicKey"`
	PrivateKey WrappedKey `cbor:"privateKey"`
}

// NewKeyFile generates a key pair for username and wraps the private half
// with password.
func NewKeyFile(username string, bits int, password []byte) (*KeyFile, error) {
	pair, err := GenerateKeyPair(username, bits)
	if err != nil {
		return nil, err
	}
	wrapped, err := WrapPrivateKey(pair.PrivateKey, password)
	if err != nil {
		return nil, err
	}
	return &KeyFile{Username: username, PublicKey: pair.PublicKey, PrivateKey: wrapped}, nil
}

func (k *KeyFile) Save(path string) error {
	raw, err := cbor.Marshal(k)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0600)
}

func LoadKeyFile(path string) (*KeyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	k := new(KeyFile)
	if err := cbor.Unmarshal(raw, k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return k, nil
}

// Unlock returns the armored private key.
func (k *KeyFile) Unlock(password []byte) (string, error) {
	return UnwrapPrivateKey(k.PrivateKey, password)
}
