package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadLayersYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "aarna.yaml", `
http:
  addr: ":9000"
  read_timeout: 5s
auth:
  secret: from-yaml
  token_ttl: 30m
contract:
  address: APP
  project_capacity: 8
`)
	t.Setenv("AARNA_LISTING_CAPACITY", "16")
	t.Setenv("AARNA_AUTH_SECRET", "from-env")

	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.HTTP.Addr != ":9000" || c.HTTP.ReadTimeout != 5*time.Second {
		t.Fatalf("http section not loaded: %+v", c.HTTP)
	}
	if c.HTTP.WriteTimeout != 15*time.Second {
		t.Fatalf("default write timeout lost: %v", c.HTTP.WriteTimeout)
	}
	if c.Auth.Secret != "from-env" || c.Auth.TokenTTL != 30*time.Minute {
		t.Fatalf("auth section: %+v", c.Auth)
	}
	reg := c.Registry()
	if reg.ProjectCapacity != 8 || reg.ListingCapacity != 16 {
		t.Fatalf("capacities: %+v", reg)
	}
	if reg.TokenSupply != 10_000_000 || reg.TokenUnitName != "AARNA" {
		t.Fatalf("token defaults: %+v", reg)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	env := writeFile(t, dir, ".env", "AARNA_AUTH_SECRET=dotenv-secret\nAARNA_HTTP_ADDR=:7000\n")
	t.Setenv("AARNA_HTTP_ADDR", ":7100")
	// Registered with t.Setenv so the variable set by godotenv is restored afterwards.
	t.Setenv("AARNA_AUTH_SECRET", "")
	os.Unsetenv("AARNA_AUTH_SECRET")

	c, err := Load("", env)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Auth.Secret != "dotenv-secret" {
		t.Fatalf("secret = %q", c.Auth.Secret)
	}
	if c.HTTP.Addr != ":7100" {
		t.Fatalf("process env should win over .env, got %q", c.HTTP.Addr)
	}
}

func TestLoadMissingEnvFileIsFine(t *testing.T) {
	t.Setenv("AARNA_AUTH_SECRET", "s")
	if _, err := Load("", filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("AARNA_AUTH_SECRET", "")
	t.Setenv("AARNA_CONTRACT_AUTO_DEPLOY", "true")
	t.Setenv("AARNA_PROJECT_CAPACITY", "0")
	_, err := Load("", "")
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"auth.secret", "contract.creator", "capacities"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv("AARNA_AUTH_SECRET", "s")
	t.Setenv("AARNA_TOKEN_SUPPLY", "lots")
	_, err := Load("", "")
	if err == nil || !strings.Contains(err.Error(), "AARNA_TOKEN_SUPPLY") {
		t.Fatalf("expected AARNA_TOKEN_SUPPLY error, got %v", err)
	}
}
