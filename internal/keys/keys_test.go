package keys

import (
	"strings"
	"testing"
)

func TestGeneratePair(t *testing.T) {
	apiKey, secretKey, err := GeneratePair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if apiKey == "" || secretKey == "" {
		t.Fatalf("empty pair: %q %q", apiKey, secretKey)
	}
	if apiKey != strings.ToLower(apiKey) {
		t.Fatalf("api key should be lowercase: %q", apiKey)
	}
	if err := Validate(apiKey, secretKey); err != nil {
		t.Fatalf("validate: %v", err)
	}

	otherAPI, otherSecret, err := GeneratePair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if apiKey == otherAPI || secretKey == otherSecret {
		t.Fatalf("pairs must be distinct")
	}
}

func TestValidateRejectsBlank(t *testing.T) {
	if err := Validate("", "secret"); err != ErrInvalidPair {
		t.Fatalf("expected ErrInvalidPair")
	}
	if err := Validate("key", "  "); err != ErrInvalidPair {
		t.Fatalf("expected ErrInvalidPair")
	}
}
