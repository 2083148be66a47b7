package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bracketquant/execcore/internal/crypto"
)

// maxSignatureSkew bounds how stale a signed request's timestamp may be.
const maxSignatureSkew = 2 * time.Minute

// Auth returns middleware that validates API requests with either a static
// key (Bearer token or X-API-Key header) or an HMAC-signed request when
// hmacAuth is non-nil and the signature headers are present. If apiKey is
// empty and hmacAuth is nil, the middleware passes all requests through
// (disabled).
func Auth(apiKey string, hmacAuth *crypto.HMACAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" && hmacAuth == nil {
				next.ServeHTTP(w, r)
				return
			}

			// Signed requests take precedence when the headers are present.
			if hmacAuth != nil && r.Header.Get(crypto.HeaderSignature) != "" {
				if err := verifySigned(r, hmacAuth); err != nil {
					writeUnauthorized(w, "invalid request signature")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if apiKey == "" {
				writeUnauthorized(w, "signed request required")
				return
			}

			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}

			// Constant-time comparison to prevent timing attacks.
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				writeUnauthorized(w, "invalid authentication token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// verifySigned checks the HMAC signature over timestamp+method+path+body,
// restoring the body for downstream handlers.
func verifySigned(r *http.Request, auth *crypto.HMACAuth) error {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	return auth.Verify(
		r.Method,
		r.URL.Path,
		string(body),
		r.Header.Get(crypto.HeaderAPIKey),
		r.Header.Get(crypto.HeaderTimestamp),
		r.Header.Get(crypto.HeaderSignature),
		maxSignatureSkew,
	)
}

// extractToken looks for a token in the Authorization header (Bearer scheme)
// or in the X-API-Key header.
func extractToken(r *http.Request) string {
	// Check Authorization: Bearer <token>
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	// Check X-API-Key header.
	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
