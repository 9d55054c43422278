// Command token mints a relay credential for local testing, signed with the
// same JWT secret the server is configured with.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Tyrowin/gorelay/internal/auth"
	"github.com/Tyrowin/gorelay/internal/config"
)

func main() {
	identity := flag.String("identity", "", "identity to embed in the token (required)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime; 0 for no expiry")
	configPath := flag.String("config", "", "path to an optional YAML config file")
	envFile := flag.String("env-file", ".env", "path to an optional .env file")
	flag.Parse()

	token, err := mint(*identity, *ttl, *configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func mint(identity string, ttl time.Duration, configPath, envFile string) (string, error) {
	if identity == "" {
		return "", errors.New("-identity is required")
	}

	if err := config.LoadDotEnv(envFile); err != nil {
		return "", err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}

	return auth.NewVerifier([]byte(cfg.Auth.JWTSecret)).Generate(identity, ttl)
}
