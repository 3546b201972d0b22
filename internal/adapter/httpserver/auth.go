package httpserver

import (
	"net/http"
	"strings"
)

// AnonymousUser is the identity applied when a request carries no API key
// and no explicit user header.
const AnonymousUser = "anonymous"

const tokenPrefix = "zk_"

// UserFromRequest resolves the calling identity. Precedence: a bearer token
// of the form zk_{user_id}_{random}, then the X-Zakuro-User header, then
// AnonymousUser. Tokens are parsed, not verified; verification belongs to an
// edge gateway.
func UserFromRequest(r *http.Request) string {
	if uid, ok := UserFromToken(r.Header.Get("Authorization")); ok {
		return uid
	}
	if uid := strings.TrimSpace(r.Header.Get("X-Zakuro-User")); uid != "" {
		return uid
	}
	return AnonymousUser
}

// UserFromToken extracts the user id from an Authorization header carrying a
// zk_ bearer token. The user id is everything between the zk_ prefix and the
// final underscore, so user ids containing underscores round-trip.
func UserFromToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const bearer = "Bearer "
	if !strings.HasPrefix(header, bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	if !strings.HasPrefix(token, tokenPrefix) {
		return "", false
	}
	rest := token[len(tokenPrefix):]
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}
