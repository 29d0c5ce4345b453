// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// New loads configuration from environment variables into any given struct type.
func New[T any]() (*T, error) {
	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	return cfg, nil
}

// LoadEnv loads ENV_FILE (default .env) into the environment. A missing
// default .env is not an error; a missing ENV_FILE is.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")
	if envfile == "" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "load .env")
		}
		return nil
	}
	return errors.Wrapf(godotenv.Load(envfile), "load %s", envfile)
}
