package api

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestJWTGenerateAndValidate(t *testing.T) {
	auth, err := NewAuth(t.TempDir())
	if err != nil {
		t.Fatalf("NewAuth failed: %v", err)
	}
	token, err := auth.GenerateJWT()
	if err != nil {
		t.Fatalf("GenerateJWT failed: %v", err)
	}
	if n := len(strings.Split(token, ".")); n != 3 {
		t.Fatalf("JWT should have 3 parts, got %d", n)
	}

	claims, err := auth.ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT failed: %v", err)
	}
	now := time.Now().Unix()
	if claims.Iat > now || claims.Iat < now-1 {
		t.Errorf("iat = %d, want about %d", claims.Iat, now)
	}
	wantExp := now + int64(loginTTL.Seconds())
	if claims.Exp > wantExp || claims.Exp < wantExp-1 {
		t.Errorf("exp = %d, want about %d", claims.Exp, wantExp)
	}
}

func TestJWTRejects(t *testing.T) {
	auth, err := NewAuth(t.TempDir())
	if err != nil {
		t.Fatalf("NewAuth failed: %v", err)
	}
	other, err := NewAuth(t.TempDir())
	if err != nil {
		t.Fatalf("NewAuth failed: %v", err)
	}
	foreign, _ := other.GenerateJWT()

	sign := func(header, claims any) string {
		h, _ := json.Marshal(header)
		c, _ := json.Marshal(claims)
		s := b64(h) + "." + b64(c)
		return s + "." + auth.sign(s)
	}
	hs256 := jwtHeader{Alg: "HS256", Typ: "JWT"}
	future := time.Now().Add(time.Minute).Unix()

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "two parts", token: "a.b", want: errTokenFormat},
		{name: "other secret", token: foreign, want: errTokenSignature},
		{name: "expired", token: sign(hs256, loginClaims{Sub: loginSubject, Exp: time.Now().Add(-time.Minute).Unix()}), want: errTokenExpired},
		{name: "alg none", token: sign(jwtHeader{Alg: "none", Typ: "JWT"}, loginClaims{Sub: loginSubject, Exp: future}), want: errTokenFormat},
		{name: "wrong subject", token: sign(hs256, loginClaims{Sub: "api", Exp: future}), want: errTokenFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.ValidateJWT(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
