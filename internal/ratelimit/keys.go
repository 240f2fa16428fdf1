package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// MaxRawKeyLength bounds caller-supplied credentials before hashing.
const MaxRawKeyLength = 512

// Key prefixes. Raw credentials and addresses never reach the backend.
const (
	apiKeyPrefix = "ratelimit:apikey:"
	ipPrefix     = "ratelimit:ip:"
)

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:32]
}

// APIKeyKey returns the limiter key for a caller credential.
func APIKeyKey(apiKey string) (string, error) {
	if len(apiKey) > MaxRawKeyLength {
		return "", ErrKeyTooLong
	}
	return apiKeyPrefix + digest(apiKey), nil
}

// IPKey returns the limiter key for a client address.
func IPKey(ip string) string {
	return ipPrefix + digest(ip)
}

// ClientIP returns the first X-Forwarded-For hop, or the host of RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// KeyForRequest keys a request by its bearer credential when present, else by
// client address.
func KeyForRequest(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		if token = strings.TrimSpace(token); token != "" {
			return APIKeyKey(token)
		}
	}
	return IPKey(ClientIP(r)), nil
}
