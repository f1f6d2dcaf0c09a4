// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the namespace shared by every wayfarer environment variable.
const EnvPrefix = "WAYFARER_"

// ParseEnv fills target from the process environment.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ParseEnvMap fills target from an explicit environment map instead of the
// process environment. Keys are matched exactly as declared in env tags.
func ParseEnvMap(target any, environ map[string]string) error {
	if err := env.ParseWithOptions(target, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// RequireOneOf reports an error unless at least one value is non-blank.
// names label the values in the error message.
func RequireOneOf(names []string, values ...string) error {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return nil
		}
	}
	return fmt.Errorf("one of %s is required", strings.Join(names, ", "))
}
