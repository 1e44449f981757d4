package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
)

const randomOpaqueByteLength = 32

var refreshTokenRandomSource io.Reader = rand.Reader

// generateRandomOpaque returns a URL-safe random string and its digest.
func generateRandomOpaque(byteLength int) (string, string, error) {
	randomBytes := make([]byte, byteLength)
	if _, err := io.ReadFull(refreshTokenRandomSource, randomBytes); err != nil {
		return "", "", fmt.Errorf("random_opaque.read: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// refreshDigestMatches compares a presented token against the stored digest.
func refreshDigestMatches(storedDigest *string, presentedToken string) bool {
	if storedDigest == nil || *storedDigest == "" {
		return false
	}
	presentedDigest := hashOpaque(presentedToken)
	return subtle.ConstantTimeCompare([]byte(*storedDigest), []byte(presentedDigest)) == 1
}
