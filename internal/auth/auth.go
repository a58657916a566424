package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/alumni-forum/internal/chat"
	"github.com/npezzotti/alumni-forum/internal/types"
)

const (
	subjectClaim = "sub"
	nameClaim    = "name"
	expClaim     = "exp"
)

// JwtAuthenticator verifies HS256 bearer tokens issued by the alumni portal.
// Accounts live outside this service; a token is the whole identity.
type JwtAuthenticator struct {
	signingKey []byte
}

func NewJwtAuthenticator(signingKey []byte) *JwtAuthenticator {
	return &JwtAuthenticator{signingKey: signingKey}
}

// Verify returns the identity carried by token. Every failure wraps
// chat.ErrUnauthorized.
func (a *JwtAuthenticator) Verify(tokenString string) (types.Identity, error) {
	if tokenString == "" {
		return types.Identity{}, fmt.Errorf("%w: missing token", chat.ErrUnauthorized)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: parse token: %s", chat.ErrUnauthorized, err)
	}

	if !token.Valid {
		return types.Identity{}, fmt.Errorf("%w: invalid token", chat.ErrUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.Identity{}, fmt.Errorf("%w: invalid token claims", chat.ErrUnauthorized)
	}

	userId, _ := claims[subjectClaim].(string)
	if userId == "" {
		return types.Identity{}, fmt.Errorf("%w: invalid subject claim", chat.ErrUnauthorized)
	}
	name, _ := claims[nameClaim].(string)

	return types.Identity{UserId: userId, Name: name}, nil
}

// Issue signs a token for identity that expires after exp.
func (a *JwtAuthenticator) Issue(identity types.Identity, exp time.Duration) (string, error) {
	if identity.UserId == "" {
		return "", errors.New("identity has no user id")
	}

	claims := jwt.MapClaims{
		subjectClaim: identity.UserId,
		expClaim:     time.Now().Add(exp).Unix(),
	}
	if identity.Name != "" {
		claims[nameClaim] = identity.Name
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
}
