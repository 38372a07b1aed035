package keys

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"strings"
)

var ErrInvalidPair = errors.New("invalid key pair")

// GeneratePair returns a fresh api key / secret key pair. The api key
// doubles as the credential's public identifier, so it stays short and
// lowercase; the secret carries the entropy.
func GeneratePair() (apiKey string, secretKey string, err error) {
	apiKey, err = generateAPIKey()
	if err != nil {
		return "", "", err
	}
	secretKey, err = generateSecretKey()
	if err != nil {
		return "", "", err
	}
	return apiKey, secretKey, nil
}

// Validate rejects pairs that could not have come from GeneratePair.
func Validate(apiKey, secretKey string) error {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(secretKey) == "" {
		return ErrInvalidPair
	}
	return nil
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(enc.EncodeToString(buf)), nil
}

func generateSecretKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
