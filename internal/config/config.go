package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"aarna.eco/internal/registry"
)

// Config is the runtime configuration of aarnad. Values come from defaults,
// then the YAML file, then AARNA_* environment variables (a .env file is
// loaded into the environment first without overriding what is already set).
type Config struct {
	HTTP     HTTP     `yaml:"http"`
	GRPC     GRPC     `yaml:"grpc"`
	Postgres Postgres `yaml:"postgres"`
	Auth     Auth     `yaml:"auth"`
	Contract Contract `yaml:"contract"`
	Faucet   Faucet   `yaml:"faucet"`
}

type HTTP struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	RateRPS      float64       `yaml:"rate_rps"`
	RateBurst    int           `yaml:"rate_burst"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

type GRPC struct {
	Addr string `yaml:"addr"`
}

type Postgres struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type Auth struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	// IssueTokens enables POST /v1/auth/token. Only for development setups.
	IssueTokens bool `yaml:"issue_tokens"`
}

type Contract struct {
	// Address is the contract's own ledger account (escrow holder).
	Address         string `yaml:"address"`
	Creator         string `yaml:"creator"`
	AutoDeploy      bool   `yaml:"auto_deploy"`
	ProjectCapacity int    `yaml:"project_capacity"`
	ListingCapacity int    `yaml:"listing_capacity"`
	TokenSupply     uint64 `yaml:"token_supply"`
	TokenUnitName   string `yaml:"token_unit_name"`
	TokenName       string `yaml:"token_name"`
	TokenURL        string `yaml:"token_url"`
}

type Faucet struct {
	Enabled bool   `yaml:"enabled"`
	Max     uint64 `yaml:"max"`
}

// Default returns the built-in configuration.
func Default() Config {
	reg := registry.DefaultConfig()
	return Config{
		HTTP: HTTP{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 1 << 20,
			RateRPS:      50,
			RateBurst:    100,
		},
		GRPC:     GRPC{Addr: ":9090"},
		Postgres: Postgres{MaxOpenConns: 20},
		Auth:     Auth{Issuer: "aarna", TokenTTL: time.Hour},
		Contract: Contract{
			Address:         "AARNA-APP",
			ProjectCapacity: reg.ProjectCapacity,
			ListingCapacity: reg.ListingCapacity,
			TokenSupply:     reg.TokenSupply,
			TokenUnitName:   reg.TokenUnitName,
			TokenName:       reg.TokenName,
			TokenURL:        reg.TokenURL,
		},
		Faucet: Faucet{Max: 1_000_000},
	}
}

// Load builds the configuration. Either path may be empty; a missing env file
// is not an error, a missing config file is.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config env file: %w", err)
		}
	}
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("config unmarshal: %w", err)
		}
	}
	if err := applyEnv(&c, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Registry returns the contract configuration in the form the registry expects.
func (c Config) Registry() registry.Config {
	return registry.Config{
		ProjectCapacity: c.Contract.ProjectCapacity,
		ListingCapacity: c.Contract.ListingCapacity,
		TokenSupply:     c.Contract.TokenSupply,
		TokenDecimals:   0,
		TokenUnitName:   c.Contract.TokenUnitName,
		TokenName:       c.Contract.TokenName,
		TokenURL:        c.Contract.TokenURL,
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth.secret is required (AARNA_AUTH_SECRET)"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if strings.TrimSpace(c.Contract.Address) == "" {
		errs = append(errs, errors.New("contract.address is required"))
	}
	if c.Contract.AutoDeploy && strings.TrimSpace(c.Contract.Creator) == "" {
		errs = append(errs, errors.New("contract.creator is required with auto_deploy"))
	}
	if c.Contract.ProjectCapacity <= 0 || c.Contract.ListingCapacity <= 0 {
		errs = append(errs, errors.New("contract capacities must be positive"))
	}
	if c.Contract.TokenSupply == 0 {
		errs = append(errs, errors.New("contract.token_supply must be positive"))
	}
	return errors.Join(errs...)
}

type lookupFunc func(string) (string, bool)

func applyEnv(c *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	parse := func(key string, set func(string) error) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		if err := set(strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	str("AARNA_HTTP_ADDR", &c.HTTP.Addr)
	str("AARNA_GRPC_ADDR", &c.GRPC.Addr)
	str("AARNA_PG_DSN", &c.Postgres.DSN)
	str("AARNA_AUTH_SECRET", &c.Auth.Secret)
	str("AARNA_AUTH_ISSUER", &c.Auth.Issuer)
	str("AARNA_CONTRACT_ADDRESS", &c.Contract.Address)
	str("AARNA_CONTRACT_CREATOR", &c.Contract.Creator)
	parse("AARNA_CONTRACT_AUTO_DEPLOY", func(v string) (err error) {
		c.Contract.AutoDeploy, err = strconv.ParseBool(v)
		return
	})
	parse("AARNA_PROJECT_CAPACITY", func(v string) (err error) {
		c.Contract.ProjectCapacity, err = strconv.Atoi(v)
		return
	})
	parse("AARNA_LISTING_CAPACITY", func(v string) (err error) {
		c.Contract.ListingCapacity, err = strconv.Atoi(v)
		return
	})
	parse("AARNA_TOKEN_SUPPLY", func(v string) (err error) {
		c.Contract.TokenSupply, err = strconv.ParseUint(v, 10, 64)
		return
	})
	parse("AARNA_TOKEN_TTL", func(v string) (err error) {
		c.Auth.TokenTTL, err = time.ParseDuration(v)
		return
	})
	parse("AARNA_ISSUE_TOKENS", func(v string) (err error) {
		c.Auth.IssueTokens, err = strconv.ParseBool(v)
		return
	})
	parse("AARNA_FAUCET_ENABLED", func(v string) (err error) {
		c.Faucet.Enabled, err = strconv.ParseBool(v)
		return
	})
	parse("AARNA_RATE_RPS", func(v string) (err error) {
		c.HTTP.RateRPS, err = strconv.ParseFloat(v, 64)
		return
	})
	parse("AARNA_CORS_ORIGINS", func(v string) error {
		c.HTTP.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.HTTP.CORSOrigins = append(c.HTTP.CORSOrigins, o)
			}
		}
		return nil
	})
	return errors.Join(errs...)
}
