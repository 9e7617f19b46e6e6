// Package config loads process configuration from the environment (and an
// optional .env file) and the table mapping from YAML.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"github.com/elbader17/quirefdw/pkg/fdw"
)

type Config struct {
	Env string

	// Key material: a service account file, or a key with its issuer.
	ServiceAccountFile string
	KeyType            string
	PrivateKey         string
	PrivateKeyFile     string
	ClientEmail        string
	KeyID              string

	TokenURI string
	Scope    string

	// Spreadsheet backends
	BaseURL        string
	SheetsEndpoint string
	HTTPTimeout    time.Duration
	RateLimitRPS   float64

	TablesFile string
}

func Load() Config {
	_ = godotenv.Load()
	return Config{
		Env:                env("QUIRE_ENV", "dev"),
		ServiceAccountFile: env("QUIRE_SERVICE_ACCOUNT_FILE", ""),
		KeyType:            env("QUIRE_KEY_TYPE", "rsa"),
		PrivateKey:         env("QUIRE_PRIVATE_KEY", ""),
		PrivateKeyFile:     env("QUIRE_PRIVATE_KEY_FILE", ""),
		ClientEmail:        env("QUIRE_CLIENT_EMAIL", ""),
		KeyID:              env("QUIRE_KEY_ID", ""),
		TokenURI:           env("QUIRE_TOKEN_URI", ""),
		Scope:              env("QUIRE_SCOPE", fdw.DefaultScope),
		BaseURL:            env("QUIRE_BASE_URL", ""),
		SheetsEndpoint:     env("QUIRE_SHEETS_ENDPOINT", ""),
		HTTPTimeout:        envDur("QUIRE_HTTP_TIMEOUT_SEC", 30) * time.Second,
		RateLimitRPS:       envFloat("QUIRE_RATE_LIMIT_RPS", 0),
		TablesFile:         env("QUIRE_TABLES_FILE", "tables.yaml"),
	}
}

// ServerOptions renders the configuration as wrapper server options,
// reading key files from disk.
func (c Config) ServerOptions() (fdw.Options, error) {
	opts := fdw.Options{
		"base_url":        c.BaseURL,
		"sheets_endpoint": c.SheetsEndpoint,
		"key_type":        c.KeyType,
		"private_key":     c.PrivateKey,
		"client_email":    c.ClientEmail,
		"key_id":          c.KeyID,
		"token_uri":       c.TokenURI,
		"scope":           c.Scope,
	}
	if c.HTTPTimeout > 0 {
		opts["http_timeout_sec"] = strconv.Itoa(int(c.HTTPTimeout / time.Second))
	}
	if c.RateLimitRPS > 0 {
		opts["rate_limit_rps"] = strconv.FormatFloat(c.RateLimitRPS, 'f', -1, 64)
	}

	if c.ServiceAccountFile != "" {
		b, err := os.ReadFile(c.ServiceAccountFile)
		if err != nil {
			return nil, errors.Wrap(err, "read service account file")
		}
		opts["service_account_json"] = string(b)
	}
	if c.PrivateKey == "" && c.PrivateKeyFile != "" {
		b, err := os.ReadFile(c.PrivateKeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "read private key file")
		}
		opts["private_key"] = string(b)
	}
	return opts, nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return def
}

func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
