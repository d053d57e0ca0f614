package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "port: \"8081\"\njwtPrivateKeyPath: /keys/jwt.pem\naccessTokenTTL: 2h\nloginRateLimitPerMinute: 5\n")
	t.Setenv("AUTH_SIGNUP_RATE_LIMIT_PER_MINUTE", "3")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SignupRateLimitPerMinute != 3 || cfg.LoginRateLimitPerMinute != 5 {
		t.Fatalf("unexpected limits %+v", cfg)
	}
	ttl, err := ParseAccessTokenTTL(cfg.AccessTokenTTL)
	if err != nil || ttl != 2*time.Hour {
		t.Fatalf("unexpected ttl %v %v", ttl, err)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"port":              "jwtPrivateKeyPath: /k\n",
		"jwtPrivateKeyPath": "port: \"1\"\n",
		"rate limits":       "port: \"1\"\njwtPrivateKeyPath: /k\nloginRateLimitPerMinute: -1\n",
		"accessTokenTTL":    "port: \"1\"\njwtPrivateKeyPath: /k\naccessTokenTTL: -5m\n",
	}
	for want, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error mentioning %q, got %v", want, err)
		}
	}
}
