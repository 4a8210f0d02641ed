// Package pathutil expands file paths taken from flags, config files and the
// environment.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand resolves $VAR and ${VAR} tokens and a leading "~/" (or "~\") to the
// user's home directory. The result is left relative if p was relative.
func Expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch {
	case len(p) == 1:
		return home, nil
	case p[1] == '/' || p[1] == '\\':
		return filepath.Join(home, p[2:]), nil
	}
	return p, nil
}

// ExpandAbs is Expand followed by filepath.Abs. Empty input stays empty.
func ExpandAbs(p string) (string, error) {
	p, err := Expand(p)
	if err != nil || p == "" {
		return p, err
	}
	return filepath.Abs(p)
}

// ExpandEach rewrites every non-empty path in place.
func ExpandEach(paths ...*string) error {
	for _, p := range paths {
		if p == nil || *p == "" {
			continue
		}
		expanded, err := Expand(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}
