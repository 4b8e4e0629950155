package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a missing, malformed, or expired bearer token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrSecretNotConfigured signals the verifier was built without a key.
	ErrSecretNotConfigured = errors.New("auth: jwt secret not configured")
)

// Verifier validates HS256 bearer tokens and issues them for tooling.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify parses tokenString and returns the actor it names.
func (v *Verifier) Verify(tokenString string) (Actor, error) {
	if len(v.secret) == 0 {
		return Actor{}, ErrSecretNotConfigured
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		userID, _ = claims["sub"].(string)
	}
	if userID == "" {
		return Actor{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}

	actor := Actor{UserID: userID}
	if role, _ := claims["role"].(string); Role(role) == RoleAdmin {
		actor.IsAdmin = true
	}
	if admin, ok := claims["is_admin"].(bool); ok && admin {
		actor.IsAdmin = true
	}
	return actor, nil
}

// Issue signs a token for actor valid for ttl.
func (v *Verifier) Issue(actor Actor, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrSecretNotConfigured
	}
	role := RoleParticipant
	if actor.IsAdmin {
		role = RoleAdmin
	}
	now := v.now()
	claims := jwt.MapClaims{
		"user_id": actor.UserID,
		"role":    string(role),
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
