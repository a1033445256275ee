package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func generateKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pub := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pub)
}

func sign(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestNewJWTValidator(t *testing.T) {
	_, pubPEM := generateKey(t)
	key, _ := generateKey(t)
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})

	tests := []struct {
		name    string
		pem     string
		wantErr bool
	}{
		{"pkix", pubPEM, false},
		{"pkcs1", string(pkcs1), false},
		{"not pem", "invalid-pem", true},
		{"garbage block", "-----BEGIN PUBLIC KEY-----\naW52YWxpZA==\n-----END PUBLIC KEY-----", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJWTValidator(tt.pem, "iss", "aud")
			if (err != nil) != tt.wantErr {
				t.Errorf("NewJWTValidator() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	key, pubPEM := generateKey(t)
	other, _ := generateKey(t)
	v, err := NewJWTValidator(pubPEM, "harbornotify", "operators")
	if err != nil {
		t.Fatal(err)
	}
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{
			name:  "operator_id claim",
			token: sign(t, key, jwt.MapClaims{"iss": "harbornotify", "aud": "operators", "exp": exp, "operator_id": "ops-7", "sub": "ignored"}),
			want:  "ops-7",
		},
		{
			name:  "sub fallback",
			token: sign(t, key, jwt.MapClaims{"iss": "harbornotify", "aud": "operators", "exp": exp, "sub": "alice"}),
			want:  "alice",
		},
		{
			name:    "wrong issuer",
			token:   sign(t, key, jwt.MapClaims{"iss": "someone", "aud": "operators", "exp": exp, "sub": "alice"}),
			wantErr: true,
		},
		{
			name:    "wrong audience",
			token:   sign(t, key, jwt.MapClaims{"iss": "harbornotify", "aud": "public", "exp": exp, "sub": "alice"}),
			wantErr: true,
		},
		{
			name:    "expired",
			token:   sign(t, key, jwt.MapClaims{"iss": "harbornotify", "aud": "operators", "exp": time.Now().Add(-time.Minute).Unix(), "sub": "alice"}),
			wantErr: true,
		},
		{
			name:    "other key",
			token:   sign(t, other, jwt.MapClaims{"iss": "harbornotify", "aud": "operators", "exp": exp, "sub": "alice"}),
			wantErr: true,
		},
		{
			name:    "no identity",
			token:   sign(t, key, jwt.MapClaims{"iss": "harbornotify", "aud": "operators", "exp": exp}),
			wantErr: true,
		},
		{
			name:    "hmac token",
			token:   func() string { s, _ := jwt.New(jwt.SigningMethodHS256).SignedString([]byte("k")); return s }(),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateToken(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func newRouter(v Validator) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(v))
	handler := func(c *gin.Context) {
		op, _ := OperatorFromContext(c.Request.Context())
		c.String(http.StatusOK, op)
	}
	r.GET("/v1/jobs", handler)
	r.GET("/healthz", handler)
	return r
}

func TestMiddleware(t *testing.T) {
	key, pubPEM := generateKey(t)
	v, err := NewJWTValidator(pubPEM, "", "")
	if err != nil {
		t.Fatal(err)
	}
	good := sign(t, key, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})

	tests := []struct {
		name      string
		validator Validator
		path      string
		headers   map[string]string
		wantCode  int
		wantBody  string
	}{
		{"valid bearer", v, "/v1/jobs", map[string]string{"Authorization": "Bearer " + good}, http.StatusOK, "alice"},
		{"missing header", v, "/v1/jobs", nil, http.StatusUnauthorized, ""},
		{"not bearer", v, "/v1/jobs", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized, ""},
		{"bad token", v, "/v1/jobs", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, ""},
		{"gateway header ignored when enabled", v, "/v1/jobs", map[string]string{OperatorHeader: "mallory"}, http.StatusUnauthorized, ""},
		{"health skips auth", v, "/healthz", nil, http.StatusOK, ""},
		{"disabled trusts gateway header", nil, "/v1/jobs", map[string]string{OperatorHeader: "bob"}, http.StatusOK, "bob"},
		{"disabled anonymous", nil, "/v1/jobs", nil, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, val := range tt.headers {
				req.Header.Set(k, val)
			}
			rec := httptest.NewRecorder()
			newRouter(tt.validator).ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode == http.StatusOK && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestLoadPublicKey(t *testing.T) {
	if got, err := LoadPublicKey("/nonexistent", "inline"); err != nil || got != "inline" {
		t.Errorf("inline: %q, %v", got, err)
	}
	if _, err := LoadPublicKey("", ""); err == nil {
		t.Error("expected error with nothing configured")
	}
	path := filepath.Join(t.TempDir(), "pub.pem")
	if err := os.WriteFile(path, []byte("from-file"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got, err := LoadPublicKey(path, ""); err != nil || got != "from-file" {
		t.Errorf("file: %q, %v", got, err)
	}
	if _, err := LoadPublicKey(filepath.Join(t.TempDir(), "missing"), ""); err == nil {
		t.Error("expected error for missing file")
	}
}
