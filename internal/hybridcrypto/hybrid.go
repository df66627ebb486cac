// Package hybridcrypto implements the envelope encryption used for proxy
// headers and session private keys at rest: a fresh AES-256-GCM key per
// record, wrapped with RSA-OAEP(SHA-256) under the server key. Decryption
// fails closed: a bad GCM tag or RSA unpadding error yields no plaintext.
package hybridcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Encrypted is the stored envelope. All fields are base64 (std encoding).
type Encrypted struct {
	EncryptedKey string `json:"encryptedKey"`
	IV           string `json:"iv"`
	Ciphertext   string `json:"ciphertext"`
	Tag          string `json:"tag"`
}

const (
	aesKeySize  = 32 // AES-256
	gcmIVSize   = 12 // 96-bit IV
	gcmTagSize  = 16
)

// ErrDecrypt is returned for any decryption failure. Callers must not
// distinguish tag failures from unpadding failures to avoid oracle leaks.
var ErrDecrypt = errors.New("hybrid decrypt failed")

// Encrypt seals plaintext under the server RSA public key.
func Encrypt(pub *rsa.PublicKey, plaintext []byte) (*Encrypted, error) {
	if pub == nil {
		return nil, fmt.Errorf("nil RSA public key")
	}

	aesKey := make([]byte, aesKeySize)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, fmt.Errorf("generate AES key: %w", err)
	}
	iv := make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm mode: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap AES key: %w", err)
	}

	return &Encrypted{
		EncryptedKey: base64.StdEncoding.EncodeToString(wrappedKey),
		IV:           base64.StdEncoding.EncodeToString(iv),
		Ciphertext:   base64.StdEncoding.EncodeToString(ciphertext),
		Tag:          base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// EncryptJSON marshals v and seals the JSON bytes.
func EncryptJSON(pub *rsa.PublicKey, v any) (*Encrypted, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal plaintext: %w", err)
	}
	return Encrypt(pub, data)
}

// Decrypt opens an envelope with the server RSA private key.
func Decrypt(priv *rsa.PrivateKey, enc *Encrypted) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("nil RSA private key")
	}
	if enc == nil {
		return nil, ErrDecrypt
	}

	wrappedKey, err := base64.StdEncoding.DecodeString(enc.EncryptedKey)
	if err != nil {
		return nil, ErrDecrypt
	}
	iv, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil || len(iv) != gcmIVSize {
		return nil, ErrDecrypt
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc.Ciphertext)
	if err != nil {
		return nil, ErrDecrypt
	}
	tag, err := base64.StdEncoding.DecodeString(enc.Tag)
	if err != nil || len(tag) != gcmTagSize {
		return nil, ErrDecrypt
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrappedKey, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(aesKey) != aesKeySize {
		return nil, ErrDecrypt
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, ErrDecrypt
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecrypt
	}

	plaintext, err := gcm.Open(nil, iv, append(append([]byte{}, ciphertext...), tag...), nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// DecryptJSON opens an envelope and unmarshals the plaintext into v.
// A JSON parse failure is a decryption failure: no partial data escapes.
func DecryptJSON(priv *rsa.PrivateKey, enc *Encrypted, v any) error {
	plaintext, err := Decrypt(priv, enc)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return ErrDecrypt
	}
	return nil
}
