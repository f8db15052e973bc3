// Package config loads typed settings from environment variables.
//
// Structs describe their settings with `env` and `envDefault` tags
// (github.com/caarlos0/env). Load parses each struct type once and caches the
// result; a .env file in the working directory is read first through
// github.com/joho/godotenv, without overriding the real environment.
//
//	type Config struct {
//		Addr   string        `env:"HTTP_ADDR" envDefault:":8080"`
//		Stripe subscription.StripeConfig
//	}
//
//	var cfg Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//
// Reset clears the cache, which tests use after changing the environment.
package config
