package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	cache   sync.Map // reflect.Type -> *entry
	dotenv  sync.Once
	envFile = ".env"
)

type entry struct {
	once  sync.Once
	value any
	err   error
}

// Load parses environment variables into v using `env` struct tags. Each
// config type is parsed once per process; later calls copy the cached value.
// A .env file in the working directory is loaded first if present; variables
// already set in the environment win.
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	loadDotenv()

	key := reflect.TypeFor[T]()
	e, _ := cache.LoadOrStore(key, &entry{})
	ent := e.(*entry)
	ent.once.Do(func() {
		var cfg T
		if err := env.Parse(&cfg); err != nil {
			ent.err = errors.Join(ErrParsingConfig, err)
			return
		}
		ent.value = cfg
	})
	if ent.err != nil {
		// Allow a retry once the environment is fixed.
		cache.CompareAndDelete(key, ent)
		return ent.err
	}
	*v = ent.value.(T)
	return nil
}

// MustLoad works like Load but panics on failure. Use it for settings the
// process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}

// LoadEnvFiles loads the given .env files into the process environment
// without overriding variables that are already set. Missing files are
// skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Join(ErrLoadingEnvFile, fmt.Errorf("%s: %w", p, err))
		}
	}
	return nil
}

// Reset drops every cached config so the next Load parses again.
func Reset() {
	cache.Range(func(k, _ any) bool {
		cache.Delete(k)
		return true
	})
}

func loadDotenv() {
	dotenv.Do(func() {
		_ = LoadEnvFiles(envFile)
	})
}
