package auth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ovhl/bidding-server/pkg/errors"
	"github.com/ovhl/bidding-server/pkg/types"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"golang.org/x/crypto/hkdf"
)

// Auth.js names the session cookie after the salt used to derive its key.
var sessionCookies = []string{"__Secure-authjs.session-token", "authjs.session-token"}

type UserLookup interface {
	GetUserByEmail(ctx context.Context, email string) (types.User, error)
}

// Authenticator resolves the Auth.js session cookie of a request to a league user.
type Authenticator struct {
	secret []byte
	users  UserLookup
}

func New(secret string, users UserLookup) *Authenticator {
	return &Authenticator{secret: []byte(secret), users: users}
}

// GenerateEncryptionKey derives the Auth.js JWE key for a cookie name.
func (a *Authenticator) GenerateEncryptionKey(salt string) ([]byte, error) {
	if len(a.secret) == 0 {
		return nil, errors.New(errors.ErrInternalServer, "AUTH_SECRET not set")
	}

	info := fmt.Sprintf("Auth.js Generated Encryption Key (%s)", salt)

	// HKDF with SHA-256
	kdf := hkdf.New(sha256.New, a.secret, []byte(salt), []byte(info))

	key := make([]byte, 64)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}

	return key, nil
}

func (a *Authenticator) decrypt(encryptedToken, salt string) ([]byte, error) {
	key, err := a.GenerateEncryptionKey(salt)
	if err != nil {
		return nil, err
	}

	decrypted, err := jwe.Decrypt([]byte(encryptedToken), jwe.WithKey(jwa.DIRECT(), key))
	if err != nil {
		return nil, errors.Unauthorized(errors.ErrInvalidToken, "failed to decrypt session token")
	}
	return decrypted, nil
}

// verify re-signs the decrypted claims as a JWT and validates them.
func (a *Authenticator) verify(payload []byte) (jwt.Token, error) {
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errors.Unauthorized(errors.ErrInvalidToken, "malformed session token")
	}

	token := jwt.New()
	for k, v := range claims {
		if err := token.Set(k, v); err != nil {
			return nil, errors.Unauthorized(errors.ErrInvalidToken, "malformed session claim "+k)
		}
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), a.secret))
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign JWT")
	}

	parsed, err := jwt.Parse(signed, jwt.WithKey(jwa.HS256(), a.secret), jwt.WithValidate(true))
	if err != nil {
		return nil, errors.Unauthorized(errors.ErrInvalidToken, "invalid session token")
	}

	if exp, ok := parsed.Expiration(); ok && exp.Before(time.Now()) {
		return nil, errors.Unauthorized(errors.ErrInvalidToken, "session token expired")
	}
	return parsed, nil
}

// Authenticate returns the user behind the request's session cookie.
func (a *Authenticator) Authenticate(r *http.Request) (types.User, error) {
	var (
		cookie *http.Cookie
		salt   string
	)
	for _, name := range sessionCookies {
		if c, err := r.Cookie(name); err == nil {
			cookie, salt = c, name
			break
		}
	}
	if cookie == nil {
		return types.User{}, errors.Unauthorized(errors.ErrInvalidToken, "missing session token cookie")
	}

	payload, err := a.decrypt(cookie.Value, salt)
	if err != nil {
		log.Debug("Rejected session cookie", "error", err)
		return types.User{}, err
	}
	if _, err := a.verify(payload); err != nil {
		return types.User{}, err
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Email == "" {
		return types.User{}, errors.Unauthorized(errors.ErrInvalidToken, "session token has no email")
	}

	user, err := a.users.GetUserByEmail(r.Context(), claims.Email)
	if err != nil {
		log.Warn("Session user lookup failed", "email", claims.Email, "error", err)
		return types.User{}, errors.Unauthorized(errors.ErrInvalidToken, "unknown user")
	}
	return user, nil
}
