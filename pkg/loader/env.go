package loader

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
}

// expandEnv substitutes ${VAR} and ${VAR:-default} references. A plain
// ${VAR} naming an unset variable is an error; the defaulted form falls back
// when the variable is unset or empty. Bare $VAR is left alone so text like
// shell snippets or prices survives loading.
func expandEnv(s string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})

	var missing []string
	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(parts[1]); ok {
			return val
		}
		missing = append(missing, parts[1])
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("undefined environment variable(s): %s", strings.Join(missing, ", "))
	}
	return s, nil
}

// LoadEnvFiles loads .env.local and .env into the process environment when
// they exist. Variables already set in the environment win.
func LoadEnvFiles() error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

// LoadFile is a convenience for the common case: env files applied, file
// provider, single load.
func LoadFile(ctx context.Context, path string) (*Document, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}
	return NewLoader(NewFileProvider()).Load(ctx, path)
}
