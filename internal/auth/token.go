package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rookgm/orderflow/internal/models"
)

const defaultTokenTTL = 24 * time.Hour

// Claims are the JWT claims issued by the user service
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Token creates and verifies HS256 tokens
type Token struct {
	key []byte
	ttl time.Duration
}

// NewAuthToken creates new Token instance
func NewAuthToken(key []byte) *Token {
	return &Token{
		key: key,
		ttl: defaultTokenTTL,
	}
}

// CreateToken creates signed token for user
func (t *Token) CreateToken(user *models.User) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		UserID: user.ID,
		Role:   user.Role,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
}

// VerifyToken parses and validates token, returns its payload
func (t *Token) VerifyToken(tokenString string) (*models.TokenPayload, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, models.ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, errors.Join(models.ErrInvalidToken, errors.New("token has no user id"))
	}

	return &models.TokenPayload{
		UserID: userID,
		Role:   claims.Role,
	}, nil
}
