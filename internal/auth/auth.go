package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/puzzlearena/backend/internal/lobby"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carried by the platform's session token.
type Claims struct {
	Name   string `json:"name"`
	Rating int    `json:"rating,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens signed with the shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Identify turns a token into a connection identity.
func (v *Verifier) Identify(token string) (lobby.Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return lobby.Identity{}, ErrInvalidToken
	}

	ident := lobby.Identity{
		UserID: claims.Subject,
		Name:   claims.Name,
		Rating: claims.Rating,
	}
	if ident.Name == "" {
		ident.Name = ident.UserID
	}
	if ident.Rating <= 0 {
		ident.Rating = lobby.DefaultRating
	}
	return ident, nil
}

// Issue signs a token for userID. Used by the dev token tool and tests; real
// tokens come from the web app.
func (v *Verifier) Issue(userID, name string, rating int, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:   name,
		Rating: rating,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest reads the token from the "token" query parameter, which
// browsers must use for websockets, or from a Bearer Authorization header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// IdentifyRequest returns the caller's identity. A request without a token
// gets a guest identity; a bad token is an error.
func (v *Verifier) IdentifyRequest(r *http.Request) (lobby.Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return lobby.GuestIdentity(), nil
	}
	return v.Identify(token)
}
