// README: Handshake authentication; HS256 JWTs or Firebase ID tokens resolve to an Identity.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"courier/internal/infra"
	"courier/internal/types"
)

var (
	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrAuthenticationRequired = errors.New("authentication required")
)

// Authenticator resolves a handshake token. Any error leaves the connection
// unauthenticated; it is never a reason to drop it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (types.Identity, error)
}

// Claims carried by handshake JWTs: sub is the actor id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (types.Identity, error) {
	if token == "" {
		return types.Identity{}, ErrUnauthenticated
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return identityFrom(claims.Subject, claims.Role)
}

// Issue signs a handshake token; used by tests and the reference client.
func (a *JWTAuthenticator) Issue(id types.Identity, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = string(id.ID)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: string(id.Role), RegisteredClaims: claims})
	return token.SignedString(a.secret)
}

// FirebaseAuthenticator trusts Firebase ID tokens; the role comes from the
// "role" custom claim.
type FirebaseAuthenticator struct {
	verifier infra.TokenVerifier
}

func NewFirebaseAuthenticator(verifier infra.TokenVerifier) *FirebaseAuthenticator {
	return &FirebaseAuthenticator{verifier: verifier}
}

func (a *FirebaseAuthenticator) Authenticate(ctx context.Context, token string) (types.Identity, error) {
	if token == "" {
		return types.Identity{}, ErrUnauthenticated
	}
	t, err := a.verifier.VerifyIDToken(ctx, token)
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	role, _ := t.Claims["role"].(string)
	return identityFrom(t.UID, role)
}

func identityFrom(id, role string) (types.Identity, error) {
	ident := types.Identity{ID: types.ID(id), Role: types.Role(role)}
	if ident.ID == "" || !ident.Role.Valid() {
		return types.Identity{}, ErrUnauthenticated
	}
	return ident, nil
}
