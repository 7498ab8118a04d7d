package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}|\$([A-Za-z0-9_]+)`)

// LookupFunc resolves an environment variable.
type LookupFunc func(string) (string, bool)

// ResolvePlaceholders substitutes ${VAR} and $VAR references. Every missing
// variable is reported in a single error.
func ResolvePlaceholders(input string, lookup LookupFunc) (string, error) {
	if !strings.Contains(input, "$") {
		return input, nil
	}
	missing := map[string]struct{}{}
	resolved := placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		key := groups[1]
		if key == "" {
			key = groups[2]
		}
		value, ok := lookup(key)
		if !ok {
			missing[key] = struct{}{}
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", missingVariablesError(missing)
	}
	return resolved, nil
}

// ResolveDescriptor returns a copy of desc with placeholders in args, env
// values, and url resolved.
func ResolveDescriptor(desc ServerDescriptor, lookup LookupFunc) (ServerDescriptor, error) {
	out := desc
	missing := map[string]struct{}{}
	resolve := func(value string) string {
		resolved, err := ResolvePlaceholders(value, lookup)
		if err != nil {
			var mv *MissingVariablesError
			if errors.As(err, &mv) {
				for _, name := range mv.Names {
					missing[name] = struct{}{}
				}
			}
			return value
		}
		return resolved
	}

	if len(desc.Args) > 0 {
		out.Args = make([]string, len(desc.Args))
		for i, arg := range desc.Args {
			out.Args[i] = resolve(arg)
		}
	}
	if len(desc.Env) > 0 {
		out.Env = make(map[string]string, len(desc.Env))
		for key, value := range desc.Env {
			out.Env[key] = resolve(value)
		}
	}
	out.URL = resolve(desc.URL)

	if len(missing) > 0 {
		return ServerDescriptor{}, fmt.Errorf("server %q: %w", desc.Name, missingVariablesError(missing))
	}
	return out, nil
}

// MissingVariablesError lists unresolved placeholder names.
type MissingVariablesError struct {
	Names []string
}

func (e *MissingVariablesError) Error() string {
	return "missing environment variables: " + strings.Join(e.Names, ", ")
}

func missingVariablesError(set map[string]struct{}) error {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return &MissingVariablesError{Names: names}
}

// envLookup overlays the dotenv file under the process environment; real
// environment variables win.
func (s *ServerStore) envLookup() (LookupFunc, error) {
	fileVars := map[string]string{}
	if strings.TrimSpace(s.envPath) != "" {
		vars, err := godotenv.Read(s.envPath)
		switch {
		case err == nil:
			fileVars = vars
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read env file %s: %w", s.envPath, err)
		}
	}
	return func(key string) (string, bool) {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
		value, ok := fileVars[key]
		return value, ok
	}, nil
}
