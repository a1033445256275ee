package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"

	"github.com/austindbirch/harbor_notify/internal/config"
	"github.com/austindbirch/harbor_notify/internal/logging"
)

const (
	keyID      = "harbornotify-key-1"
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

type JWKSResponse struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// issuer mints operator tokens for local runs. notifyd validates them with the
// PEM served on /public.pem.
type issuer struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	log      *logging.Logger
	now      func() time.Time
}

// loadOrGenerateKey parses a PKCS1 or PKCS8 private key, or generates one when pemText is empty.
func loadOrGenerateKey(pemText string) (*rsa.PrivateKey, error) {
	if pemText == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return k, nil
}

func (is *issuer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", is.jwksHandler)
	mux.HandleFunc("GET /public.pem", is.publicPEMHandler)
	mux.HandleFunc("POST /token", is.createTokenHandler)
	mux.HandleFunc("GET /healthz", healthHandler)
	return mux
}

// jwksHandler serves the JWKS endpoint
func (is *issuer) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	pub := is.key.PublicKey
	response := JWKSResponse{Keys: []JWK{{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: keyID,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(response)
}

func (is *issuer) publicPEMHandler(w http.ResponseWriter, _ *http.Request) {
	der, err := x509.MarshalPKIXPublicKey(&is.key.PublicKey)
	if err != nil {
		http.Error(w, "failed to encode public key", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_ = pem.Encode(w, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// createTokenHandler handles token creation requests
func (is *issuer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OperatorID string `json:"operator_id"`
		TTL        int    `json:"ttl_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.OperatorID == "" {
		http.Error(w, "operator_id is required", http.StatusBadRequest)
		return
	}
	ttl := time.Duration(req.TTL) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl > maxTTL {
		http.Error(w, "ttl_seconds exceeds 86400", http.StatusBadRequest)
		return
	}

	now := is.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":         is.issuer,
		"aud":         is.audience,
		"sub":         req.OperatorID,
		"operator_id": req.OperatorID,
		"iat":         now.Unix(),
		"exp":         now.Add(ttl).Unix(),
	})
	token.Header["kid"] = keyID

	signed, err := token.SignedString(is.key)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	is.log.Plain().WithFields(map[string]any{"operator_id": req.OperatorID, "ttl": ttl.String()}).Info("token issued")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      signed,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

// healthHandler provides a simple health check endpoint
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	_ = godotenv.Load()
	log := logging.New("jwks-server")

	cfg, err := config.Load("")
	if err != nil {
		log.Plain().WithError(err).Fatal("invalid configuration")
	}

	key, err := loadOrGenerateKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		log.Plain().WithError(err).Fatal("load signing key failed")
	}
	is := &issuer{key: key, issuer: cfg.Auth.Issuer, audience: cfg.Auth.Audience, log: log, now: time.Now}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	log.Plain().WithFields(map[string]any{"port": port, "kid": keyID}).Info("JWKS server starting")

	srv := &http.Server{Addr: ":" + port, Handler: is.routes(), ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Plain().WithError(err).Fatal("server failed")
	}
}
