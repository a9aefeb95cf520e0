// Package pgp wraps golang.org/x/crypto/openpgp for the relay. The server
// only verifies clearsigned challenges; everything else here runs on the
// client and its errors never leave the client.
package pgp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/clearsign"
	"golang.org/x/crypto/openpgp/packet"
)

var (
	ErrDecryptionFailed   = errors.New("pgp: decryption failed")
	ErrVerificationFailed = errors.New("pgp: signature verification failed")
	ErrBadPassphrase      = errors.New("pgp: bad passphrase")
	ErrCorruptData        = errors.New("pgp: corrupt data")
	ErrNoRecipients       = errors.New("pgp: no recipients")
	ErrInvalidKey         = errors.New("pgp: invalid key")
)

const messageType = "PGP MESSAGE"

// Verifier checks a clearsigned blob against an armored public key and
// returns the signed text.
type Verifier interface {
	VerifyClearsigned(signed string, publicKey string) (string, error)
}

type ClearsignVerifier struct{}

// VerifyClearsigned returns the canonical signed text (CRLF line endings,
// no trailing newline), which for a single-line challenge is the challenge
// itself.
func (ClearsignVerifier) VerifyClearsigned(signed string, publicKey string) (string, error) {
	keyring, err := ReadPublicKey(publicKey)
	if err != nil {
		return "", err
	}

	block, _ := clearsign.Decode([]byte(signed))
	if block == nil || block.ArmoredSignature == nil {
		return "", fmt.Errorf("%w: not a clearsigned message", ErrVerificationFailed)
	}

	if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return string(block.Bytes), nil
}

// ReadPublicKey parses an armored public key block into a keyring holding
// exactly one entity.
func ReadPublicKey(armored string) (openpgp.EntityList, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(keyring) != 1 {
		return nil, fmt.Errorf("%w: expected one key, got %d", ErrInvalidKey, len(keyring))
	}
	return keyring, nil
}

// ValidatePublicKey reports whether armored is a single parseable public key.
func ValidatePublicKey(armored string) error {
	_, err := ReadPublicKey(armored)
	return err
}

// KeyPair is an armored key pair. PrivateKey is unprotected armor and should
// be wrapped with WrapPrivateKey before it touches disk.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

func GenerateKeyPair(username string, bits int) (KeyPair, error) {
	entity, err := openpgp.NewEntity(username, "", "", &packet.Config{RSABits: bits})
	if err != nil {
		return KeyPair{}, err
	}

	var pub bytes.Buffer
	w, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	if err != nil {
		return KeyPair{}, err
	}
	if err := entity.Serialize(w); err != nil {
		return KeyPair{}, err
	}
	if err := w.Close(); err != nil {
		return KeyPair{}, err
	}

	var priv bytes.Buffer
	w, err = armor.Encode(&priv, openpgp.PrivateKeyType, nil)
	if err != nil {
		return KeyPair{}, err
	}
	if err := entity.SerializePrivate(w, nil); err != nil {
		return KeyPair{}, err
	}
	if err := w.Close(); err != nil {
		return KeyPair{}, err
	}

	return KeyPair{PublicKey: pub.String(), PrivateKey: priv.String()}, nil
}

// readPrivateKey parses an armored private key and decrypts it with
// passphrase if the key is passphrase protected.
func readPrivateKey(armored string, passphrase []byte) (*openpgp.Entity, error) {
	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(keyring) != 1 || keyring[0].PrivateKey == nil {
		return nil, fmt.Errorf("%w: expected one private key", ErrInvalidKey)
	}
	entity := keyring[0]

	if entity.PrivateKey.Encrypted {
		if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
			return nil, ErrBadPassphrase
		}
	}
	for _, subkey := range entity.Subkeys {
		if subkey.PrivateKey != nil && subkey.PrivateKey.Encrypted {
			if err := subkey.PrivateKey.Decrypt(passphrase); err != nil {
				return nil, ErrBadPassphrase
			}
		}
	}
	return entity, nil
}

// PublicKeyOf returns the armored public half of an armored private key.
func PublicKeyOf(privateKey string, passphrase []byte) (string, error) {
	entity, err := readPrivateKey(privateKey, passphrase)
	if err != nil {
		return "", err
	}
	var pub bytes.Buffer
	w, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := entity.Serialize(w); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return pub.String(), nil
}

// SignChallenge clearsigns challenge with the private key.
func SignChallenge(challenge string, privateKey string, passphrase []byte) (string, error) {
	entity, err := readPrivateKey(privateKey, passphrase)
	if err != nil {
		return "", err
	}

	var out bytes.Buffer
	w, err := clearsign.Encode(&out, entity.PrivateKey, nil)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, challenge); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return out.String(), nil
}

// EncryptEnvelope JSON-encodes payload, signs it with the sender's private
// key and encrypts it to every recipient. The sender is always added as a
// recipient so it can read its own copy back from the relay.
func EncryptEnvelope(payload any, recipientPublicKeys []string, senderPrivateKey string, passphrase []byte) ([]byte, error) {
	if len(recipientPublicKeys) == 0 {
		return nil, ErrNoRecipients
	}

	signer, err := readPrivateKey(senderPrivateKey, passphrase)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	seen := map[[20]byte]bool{signer.PrimaryKey.Fingerprint: true}
	to := []*openpgp.Entity{signer}
	for _, pk := range recipientPublicKeys {
		keyring, err := ReadPublicKey(pk)
		if err != nil {
			return nil, err
		}
		if seen[keyring[0].PrimaryKey.Fingerprint] {
			continue
		}
		seen[keyring[0].PrimaryKey.Fingerprint] = true
		to = append(to, keyring[0])
	}

	var out bytes.Buffer
	aw, err := armor.Encode(&out, messageType, nil)
	if err != nil {
		return nil, err
	}
	pw, err := openpgp.Encrypt(aw, to, signer, nil, nil)
	if err != nil {
		return nil, err
	}
	if _, err := pw.Write(plaintext); err != nil {
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// DecryptEnvelope reverses EncryptEnvelope. When expectedSenderPublicKey is
// non-empty the envelope must carry a valid signature from that key.
func DecryptEnvelope(envelope []byte, privateKey string, passphrase []byte, expectedSenderPublicKey string) (json.RawMessage, error) {
	me, err := readPrivateKey(privateKey, passphrase)
	if err != nil {
		if errors.Is(err, ErrBadPassphrase) {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return nil, err
	}

	keyring := openpgp.EntityList{me}
	var sender *openpgp.Entity
	if expectedSenderPublicKey != "" {
		senderRing, err := ReadPublicKey(expectedSenderPublicKey)
		if err != nil {
			return nil, err
		}
		sender = senderRing[0]
		if sender.PrimaryKey.Fingerprint != me.PrimaryKey.Fingerprint {
			keyring = append(keyring, sender)
		}
	}

	block, err := armor.Decode(bytes.NewReader(envelope))
	if err != nil || block.Type != messageType {
		return nil, fmt.Errorf("%w: not an armored message", ErrDecryptionFailed)
	}

	md, err := openpgp.ReadMessage(block.Body, keyring, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	// The signature is only checked once the body has been read to EOF
	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		if sender != nil && md.IsSigned && md.SignatureError != nil {
			return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, md.SignatureError)
		}
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if sender != nil {
		if !md.IsSigned || md.SignedBy == nil {
			return nil, fmt.Errorf("%w: envelope is not signed by the expected sender", ErrVerificationFailed)
		}
		if md.SignatureError != nil {
			return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, md.SignatureError)
		}
		if md.SignedBy.Entity.PrimaryKey.Fingerprint != sender.PrimaryKey.Fingerprint {
			return nil, fmt.Errorf("%w: signed by a different key", ErrVerificationFailed)
		}
	}

	if !json.Valid(plaintext) {
		return nil, fmt.Errorf("%w: payload is not JSON", ErrCorruptData)
	}
	return json.RawMessage(plaintext), nil
}
