package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthCookie is the cookie carrying the signed auth token, set by the
// account frontend on login.
const AuthCookie = "auth_token_jwt"

// identity is the resolved caller: a verified account id, or a guest id
// derived from the client address.
type identity struct {
	userID        string
	authenticated bool
}

// identify resolves the caller's identity from the auth cookie. A missing,
// expired or otherwise unverifiable token demotes the caller to a guest
// rather than failing the request.
func (s *Server) identify(r *http.Request) identity {
	if c, err := r.Cookie(AuthCookie); err == nil && c.Value != "" {
		if userID, ok := verifyToken(c.Value, s.cfg.JWTSecret); ok {
			return identity{userID: userID, authenticated: true}
		}
	}
	return identity{userID: GuestUserID(clientIP(r))}
}

// verifyToken checks the HS256 signature and extracts the account id from
// the token's nested data claim.
func verifyToken(token, secret string) (string, bool) {
	parsed, err := jwt.Parse(token,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !parsed.Valid {
		return "", false
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", false
	}
	data, ok := claims["data"].(map[string]any)
	if !ok {
		return "", false
	}
	return claimString(data["user_id"])
}

// claimString renders a user_id claim as a string. The account backend
// has issued both string and numeric ids over time.
func claimString(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		if v != "" {
			return v, true
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	}
	return "", false
}

// GuestUserID derives a stable billing identity from a client IP by
// replacing the separator characters, so the same address always maps to
// the same account row.
func GuestUserID(ip string) string {
	return "user_" + strings.NewReplacer(".", "_", ":", "_").Replace(ip)
}

// clientIP returns the originating client address: the first hop of
// X-Forwarded-For when a proxy set it, then X-Real-IP, then the socket
// peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
