package auth

import (
	"fmt"
	"os"
	"strings"
)

// Config holds Supabase authentication configuration
type Config struct {
	AuthURL string
	// Audiences accepted in the aud claim
	Audiences []string
}

// DefaultAudiences are the audiences Supabase issues for signed-in users and service calls
var DefaultAudiences = []string{"authenticated", "service_role"}

// NewConfigFromEnv creates auth config from environment variables
func NewConfigFromEnv() (*Config, error) {
	config := &Config{
		AuthURL:   strings.TrimSuffix(os.Getenv("SUPABASE_AUTH_URL"), "/"),
		Audiences: DefaultAudiences,
	}

	if config.AuthURL == "" {
		return nil, fmt.Errorf("SUPABASE_AUTH_URL environment variable is required")
	}
	return config, nil
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	if c.AuthURL == "" {
		return fmt.Errorf("AuthURL is required")
	}
	return nil
}

// Issuer is the iss claim Supabase puts in tokens for this project
func (c *Config) Issuer() string {
	return strings.TrimSuffix(c.AuthURL, "/") + "/auth/v1"
}

// JWKSURL is where the project's signing keys are published
func (c *Config) JWKSURL() string {
	return c.Issuer() + "/.well-known/jwks.json"
}
