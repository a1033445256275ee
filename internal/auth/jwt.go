package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// OperatorIDKey holds the authenticated operator identity in a request context.
const OperatorIDKey contextKey = "operator_id"

// OperatorHeader carries an identity already established by a trusted gateway.
const OperatorHeader = "x-operator-id"

// Validator turns a bearer token into an operator identity.
type Validator interface {
	ValidateToken(token string) (string, error)
}

// JWTValidator handles RS256 JWT validation
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

// NewJWTValidator creates a new JWT validator from a PEM encoded RSA public key
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		// Try parsing as PKIX
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}

		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is not RSA")
		}
	}

	return &JWTValidator{
		publicKey: publicKey,
		issuer:    issuer,
		audience:  audience,
	}, nil
}

// LoadPublicKey returns pemText when set, else the contents of path.
func LoadPublicKey(path, pemText string) (string, error) {
	if pemText != "" {
		return pemText, nil
	}
	if path == "" {
		return "", errors.New("no public key configured")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return string(b), nil
}

// ValidateToken validates a JWT and returns the operator id, taken from the
// operator_id claim or, failing that, sub.
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims")
	}
	if op, ok := claims["operator_id"].(string); ok && op != "" {
		return op, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("missing operator_id or sub claim")
	}
	return sub, nil
}

// Middleware authenticates /v1 requests. With a nil validator the gateway
// header is trusted and requests without it stay anonymous.
func Middleware(v Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip auth for probes and scrapes
		switch c.Request.URL.Path {
		case "/healthz", "/metrics":
			c.Next()
			return
		}

		if v == nil {
			if op := c.GetHeader(OperatorHeader); op != "" {
				setOperator(c, op)
			}
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header format"})
			return
		}

		op, err := v.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": fmt.Sprintf("invalid token: %v", err)})
			return
		}
		setOperator(c, op)
		c.Next()
	}
}

func setOperator(c *gin.Context, op string) {
	c.Set(string(OperatorIDKey), op)
	c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), OperatorIDKey, op))
}

// OperatorFromContext extracts the operator id from context
func OperatorFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(OperatorIDKey).(string)
	return op, ok && op != ""
}
