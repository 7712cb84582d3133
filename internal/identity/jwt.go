package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "sudooom.im.inbox/internal/errors"
)

// Claims JWT 声明，Subject 即 viewer_id
type Claims struct {
	ViewerID string `json:"viewer_id"`
	jwt.RegisteredClaims
}

// TokenService JWT 服务
type TokenService struct {
	secretKey    []byte
	accessExpire time.Duration
	issuer       string
}

// NewTokenService 创建 JWT 服务
func NewTokenService(secretKey string, accessExpire time.Duration, issuer string) *TokenService {
	return &TokenService{
		secretKey:    []byte(secretKey),
		accessExpire: accessExpire,
		issuer:       issuer,
	}
}

// Generate 为 viewer 签发访问令牌
func (s *TokenService) Generate(viewerID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessExpire)
	claims := &Claims{
		ViewerID: viewerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   viewerID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate 验证访问令牌
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.ErrTokenInvalid
		}
		return s.secretKey, nil
	}, jwt.WithIssuer(s.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.ErrTokenExpired
		}
		return nil, apperrors.ErrTokenInvalid.Wrap(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ViewerID == "" {
		return nil, apperrors.ErrTokenInvalid
	}
	return claims, nil
}
