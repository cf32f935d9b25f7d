// Package envfile loads a dotenv-style file into the process environment
// and keeps it in sync across reloads: keys added or changed in the file are
// applied, keys removed from the file are restored to their value at first
// load (or unset if they did not exist then).
package envfile

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Parse reads the line-oriented format: blank lines and lines whose first
// non-space character is '#' are ignored, an optional leading "export " is
// stripped, and values may be bare, single-quoted or double-quoted. Bare
// values lose a trailing comment introduced by whitespace + '#'; quoted
// values honor the escapes \n \r \t \\ \" \'.
func Parse(data []byte) (map[string]string, error) {
	vars := make(map[string]string)
	for i, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		trimmed = strings.TrimPrefix(trimmed, "export ")
		key, rawValue, ok := strings.Cut(trimmed, "=")
		if !ok {
			return nil, fmt.Errorf("envfile: line %d: missing '='", i+1)
		}
		key = strings.TrimSpace(key)
		if !keyPattern.MatchString(key) {
			return nil, fmt.Errorf("envfile: line %d: bad key %q", i+1, key)
		}
		value, err := parseValue(strings.TrimSpace(rawValue))
		if err != nil {
			return nil, fmt.Errorf("envfile: line %d: %w", i+1, err)
		}
		vars[key] = value
	}
	return vars, nil
}

func parseValue(raw string) (string, error) {
	if len(raw) >= 2 && (raw[0] == '"' || raw[0] == '\'') {
		quote := raw[0]
		if raw[len(raw)-1] != quote {
			return "", fmt.Errorf("unterminated %c-quoted value", quote)
		}
		return unescape(raw[1 : len(raw)-1])
	}
	// Bare value: strip a trailing comment that is preceded by whitespace.
	if idx := strings.Index(raw, " #"); idx >= 0 {
		raw = raw[:idx]
	} else if idx := strings.Index(raw, "\t#"); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.TrimRight(raw, " \t"), nil
}

func unescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("dangling escape")
		}
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '\\', '"', '\'':
			b.WriteByte(s[i])
		default:
			return "", fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return b.String(), nil
}

// Loader applies one env file to the process environment across reloads.
type Loader struct {
	path string

	// baseline records, per key the file has ever set, the environment
	// value before the first apply; nil means the key was unset.
	baseline map[string]*string
	// applied is the file's key set as of the last successful apply.
	applied map[string]string
}

// NewLoader creates a loader for path without touching the environment.
func NewLoader(path string) *Loader {
	return &Loader{
		path:     path,
		baseline: make(map[string]*string),
		applied:  make(map[string]string),
	}
}

// Path returns the loader's file path.
func (l *Loader) Path() string { return l.path }

// Apply reads the file and reconciles the environment: new and changed keys
// are set, keys that disappeared from the file are restored to their
// baseline. Returns the number of keys that changed in either direction.
func (l *Loader) Apply() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, fmt.Errorf("envfile: %w", err)
	}
	vars, err := Parse(data)
	if err != nil {
		return 0, err
	}

	changed := 0
	for key, value := range vars {
		if _, seen := l.baseline[key]; !seen {
			if prev, ok := os.LookupEnv(key); ok {
				v := prev
				l.baseline[key] = &v
			} else {
				l.baseline[key] = nil
			}
		}
		if prev, ok := l.applied[key]; !ok || prev != value {
			if err := os.Setenv(key, value); err != nil {
				return changed, fmt.Errorf("envfile: set %s: %w", key, err)
			}
			changed++
		}
	}

	for key := range l.applied {
		if _, still := vars[key]; still {
			continue
		}
		if base := l.baseline[key]; base != nil {
			if err := os.Setenv(key, *base); err != nil {
				return changed, fmt.Errorf("envfile: restore %s: %w", key, err)
			}
		} else if err := os.Unsetenv(key); err != nil {
			return changed, fmt.Errorf("envfile: unset %s: %w", key, err)
		}
		changed++
	}

	l.applied = vars
	return changed, nil
}
