package signer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

// Environment variables holding the ed25519 key material.
const (
	EnvAgeSecretKey = "AGE_SECRET_KEY"
	EnvAgePublicKey = "AGE_PUBLIC_KEY"
)

// KeyPair is an Ed25519 key derived from an age X25519 secret key seed. It
// signs individual files (method ed25519) and the release manifest.
type KeyPair struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// KeyPairFromEnv builds a KeyPair from AGE_SECRET_KEY and/or AGE_PUBLIC_KEY
// read through getenv. It returns nil, nil when neither is set. A public key
// alone yields a verify-only pair.
func KeyPairFromEnv(getenv func(string) string) (*KeyPair, error) {
	secret := strings.TrimSpace(getenv(EnvAgeSecretKey))
	pub := strings.TrimSpace(getenv(EnvAgePublicKey))
	if secret == "" && pub == "" {
		return nil, nil
	}

	kp := &KeyPair{}
	if secret != "" {
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvAgeSecretKey, err)
		}
		kp.privateKey = ed25519.NewKeyFromSeed(seed)
		kp.publicKey = ed25519.PublicKey(kp.privateKey[ed25519.SeedSize:])

		if identity, err := age.ParseX25519Identity(secret); err == nil {
			if r := identity.Recipient(); r != nil {
				kp.recipient = r.String()
			}
		}
	}

	if pub != "" {
		decoded, err := decodePublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", EnvAgePublicKey, err)
		}
		if kp.publicKey == nil {
			kp.publicKey = decoded
		} else if !bytes.Equal(kp.publicKey, decoded) {
			return nil, errors.New("AGE_PUBLIC_KEY does not match AGE_SECRET_KEY")
		}
	}
	return kp, nil
}

// CanSign reports whether the pair holds a private key.
func (k *KeyPair) CanSign() bool {
	return k != nil && len(k.privateKey) > 0
}

// Sign returns the base64 Ed25519 signature of payload.
func (k *KeyPair) Sign(payload []byte) (string, error) {
	if !k.CanSign() {
		return "", errors.New("key pair has no private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(k.privateKey, payload)), nil
}

// Verify checks a base64 signature over payload. When embeddedKey is set it
// must match the configured public key, or is used alone if none is
// configured.
func (k *KeyPair) Verify(payload []byte, signature, embeddedKey string) error {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}

	var key ed25519.PublicKey
	if k != nil {
		key = k.publicKey
	}
	if embeddedKey != "" {
		decoded, err := decodePublicKey(embeddedKey)
		if err != nil {
			return fmt.Errorf("decode embedded public key: %w", err)
		}
		if key != nil && !bytes.Equal(key, decoded) {
			return errors.New("signed by unexpected key")
		}
		key = decoded
	}
	if key == nil {
		return errors.New("no public key available for verification")
	}
	if !ed25519.Verify(key, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the public key in base64 form.
func (k *KeyPair) PublicKeyBase64() string {
	if k == nil || len(k.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(k.publicKey)
}

// Recipient returns the age recipient of the secret key, if known.
func (k *KeyPair) Recipient() string {
	if k == nil {
		return ""
	}
	return k.recipient
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if l := len(decoded); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, l)
	}
	return ed25519.PublicKey(decoded), nil
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
