package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// loginTTL bounds how long a login URL from a notification or the CLI works.
const loginTTL = 5 * time.Minute

var (
	errTokenFormat    = errors.New("invalid token format")
	errTokenSignature = errors.New("invalid token signature")
	errTokenExpired   = errors.New("token expired")
)

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type loginClaims struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

const loginSubject = "login"

// GenerateJWT signs a short-lived HS256 login token with the shared secret.
func (a *Auth) GenerateJWT() (string, error) {
	now := time.Now()
	header, err := json.Marshal(jwtHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	claims, err := json.Marshal(loginClaims{Sub: loginSubject, Iat: now.Unix(), Exp: now.Add(loginTTL).Unix()})
	if err != nil {
		return "", err
	}
	signed := b64(header) + "." + b64(claims)
	return signed + "." + a.sign(signed), nil
}

// ValidateJWT checks the signature, type and expiry of a login token.
func (a *Auth) ValidateJWT(token string) (*loginClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errTokenFormat
	}
	if !hmac.Equal([]byte(parts[2]), []byte(a.sign(parts[0]+"."+parts[1]))) {
		return nil, errTokenSignature
	}

	var header jwtHeader
	if err := decodeSegment(parts[0], &header); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if header.Alg != "HS256" || header.Typ != "JWT" {
		return nil, errTokenFormat
	}
	var claims loginClaims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, fmt.Errorf("claims: %w", err)
	}
	if claims.Sub != loginSubject {
		return nil, errTokenFormat
	}
	if time.Now().Unix() > claims.Exp {
		return nil, errTokenExpired
	}
	return &claims, nil
}

func (a *Auth) sign(data string) string {
	h := hmac.New(sha256.New, []byte(a.token))
	h.Write([]byte(data))
	return b64(h.Sum(nil))
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func decodeSegment(seg string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
