package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/ragchat-go/internal/logging"
)

// LocalAccount is the account every caller maps to when auth is disabled.
const LocalAccount = "local"

// CredentialHeader carries an optional per-request provider key that
// overrides the configured base credential for embedding and completion.
const CredentialHeader = "X-Provider-Key"

// accountKey is the context key for the authenticated account id.
type accountKey struct{}

// withAccount returns a copy of ctx carrying the account id.
func withAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountKey{}, account)
}

// accountFrom returns the authenticated account id, or LocalAccount when
// the request passed through with auth disabled.
func accountFrom(ctx context.Context) string {
	if a, ok := ctx.Value(accountKey{}).(string); ok && a != "" {
		return a
	}
	return LocalAccount
}

// ParseAPIKeys parses "account:key,account:key" into a token to account
// map. Blank entries are skipped.
func ParseAPIKeys(spec string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		account, key, ok := strings.Cut(entry, ":")
		account, key = strings.TrimSpace(account), strings.TrimSpace(key)
		if !ok || account == "" || key == "" {
			return nil, fmt.Errorf("server: malformed API key entry %q, want account:key", redactEntry(entry))
		}
		if _, dup := keys[key]; dup {
			return nil, fmt.Errorf("server: API key for account %q is already assigned", account)
		}
		keys[key] = account
	}
	return keys, nil
}

// redactEntry keeps the account part of a key entry for error messages.
func redactEntry(entry string) string {
	account, _, _ := strings.Cut(entry, ":")
	return account + ":***"
}

// authMiddleware returns an HTTP middleware that enforces Bearer token
// authentication and stores the caller's account id in the request context.
// If keys is empty the middleware only tags requests with LocalAccount.
//
// Protected routes must supply:
//
//	Authorization: Bearer <key>
//
// Requests missing or presenting an unknown token receive 401 Unauthorized
// with a WWW-Authenticate: Bearer challenge. The token value is never
// logged, only its presence.
func authMiddleware(keys map[string]string, next http.Handler) http.Handler {
	if len(keys) == 0 {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), LocalAccount)))
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		token := bearerToken(r)
		if token == "" {
			log.Warn("auth: missing Authorization header",
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="ragchat"`)
			writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "authorization required"})
			return
		}

		account, ok := lookupKey(keys, token)
		if !ok {
			log.Warn("auth: invalid token",
				slog.String("path", r.URL.Path),
				slog.Bool("token_present", true),
			)
			w.Header().Set("WWW-Authenticate", `Bearer realm="ragchat" error="invalid_token"`)
			writeJSON(w, r, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}

		ctx := withAccount(r.Context(), account)
		ctx = logging.WithLogger(ctx, log.With(slog.String("account", account)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// lookupKey compares token against every configured key in constant time.
func lookupKey(keys map[string]string, token string) (string, bool) {
	var match string
	for key, account := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			match = account
		}
	}
	return match, match != ""
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. Returns an empty string if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if hdr == "" {
		return ""
	}
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// credential returns the per-request provider key, if any.
func credential(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(CredentialHeader))
}
