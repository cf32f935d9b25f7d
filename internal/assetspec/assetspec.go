// Package assetspec compiles the asset include/exclude patterns and answers
// "does this path count as an asset". A pattern containing any of `* ? [` is
// a glob; an absolute glob matches the file's absolute slash path and a
// relative glob matches its cwd-relative slash path, never cross-matched. A
// literal ending in a separator or carrying no suffix names a directory root
// whose descendants match; any other literal matches exactly one file.
// Source-suffixed files never match.
package assetspec

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/maypok86/otter"
)

const matchCacheSize = 4096

// Spec is a compiled asset predicate.
type Spec struct {
	include        []pattern
	exclude        []pattern
	sourceSuffixes []string
	cwd            string
	cache          otter.Cache[string, bool]
}

type pattern struct {
	raw  string
	glob bool
	abs  bool
	// For literals: the resolved absolute path, and whether it denotes a
	// directory root.
	literal string
	dirRoot bool
}

// Compile builds a Spec. sourceSuffixes lists file suffixes (".go"-style)
// that are vetoed from ever matching. Glob patterns are syntax-checked here
// so a bad pattern fails at startup, not on first event.
func Compile(include, exclude, sourceSuffixes []string) (*Spec, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("assetspec: %w", err)
	}
	s := &Spec{sourceSuffixes: sourceSuffixes, cwd: cwd}
	for _, raw := range include {
		p, err := compilePattern(raw)
		if err != nil {
			return nil, err
		}
		s.include = append(s.include, p)
	}
	for _, raw := range exclude {
		p, err := compilePattern(raw)
		if err != nil {
			return nil, err
		}
		s.exclude = append(s.exclude, p)
	}
	cache, err := otter.MustBuilder[string, bool](matchCacheSize).
		Cost(func(string, bool) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, fmt.Errorf("assetspec: match cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Empty reports whether the spec has no include patterns and therefore can
// never match.
func (s *Spec) Empty() bool { return len(s.include) == 0 }

// Close releases the match cache.
func (s *Spec) Close() { s.cache.Close() }

// Match reports whether the absolute path counts as an asset: some include
// pattern matches, no exclude pattern matches, and the path does not carry a
// source suffix.
func (s *Spec) Match(path string) bool {
	path = filepath.Clean(path)
	if hit, ok := s.cache.Get(path); ok {
		return hit
	}
	result := s.match(path)
	s.cache.Set(path, result)
	return result
}

func (s *Spec) match(path string) bool {
	for _, suffix := range s.sourceSuffixes {
		if strings.HasSuffix(path, suffix) {
			return false
		}
	}
	included := false
	for _, p := range s.include {
		if s.matchOne(p, path) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, p := range s.exclude {
		if s.matchOne(p, path) {
			return false
		}
	}
	return true
}

func (s *Spec) matchOne(p pattern, path string) bool {
	if p.glob {
		var subject string
		if p.abs {
			subject = filepath.ToSlash(path)
		} else {
			rel, err := filepath.Rel(s.cwd, path)
			if err != nil || strings.HasPrefix(rel, "..") {
				// Outside the cwd: a relative pattern cannot address it.
				return false
			}
			subject = filepath.ToSlash(rel)
		}
		ok, err := doublestar.Match(filepath.ToSlash(p.raw), subject)
		return err == nil && ok
	}
	if p.dirRoot {
		return path == p.literal ||
			strings.HasPrefix(path, p.literal+string(filepath.Separator))
	}
	return path == p.literal
}

// WatchPaths derives the filesystem locations to watch for this spec: the
// non-glob base directory of each glob pattern and the directory (or parent,
// for single files) of each literal. Roots that do not exist yet fall back
// to their nearest existing ancestor so later creation is still observed.
func (s *Spec) WatchPaths() []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(path string) {
		path = nearestExisting(path)
		if path != "" && !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	for _, p := range s.include {
		if p.glob {
			base := globBase(p.raw)
			if !filepath.IsAbs(base) {
				base = filepath.Join(s.cwd, base)
			}
			add(filepath.Clean(base))
			continue
		}
		if p.dirRoot {
			add(p.literal)
		} else {
			add(filepath.Dir(p.literal))
		}
	}
	return paths
}

func compilePattern(raw string) (pattern, error) {
	if raw == "" {
		return pattern{}, fmt.Errorf("assetspec: empty pattern")
	}
	if strings.ContainsAny(raw, "*?[") {
		// Normalize "./"-style prefixes and redundant segments so the
		// pattern lines up with the cwd-relative subject it is matched
		// against.
		cleaned := path.Clean(filepath.ToSlash(raw))
		if !doublestar.ValidatePattern(cleaned) {
			return pattern{}, fmt.Errorf("assetspec: bad pattern %q", raw)
		}
		return pattern{raw: cleaned, glob: true, abs: filepath.IsAbs(raw)}, nil
	}

	dirRoot := strings.HasSuffix(raw, "/") ||
		strings.HasSuffix(raw, string(filepath.Separator)) ||
		filepath.Ext(raw) == ""
	literal, err := filepath.Abs(raw)
	if err != nil {
		return pattern{}, fmt.Errorf("assetspec: resolve %q: %w", raw, err)
	}
	return pattern{raw: raw, literal: filepath.Clean(literal), dirRoot: dirRoot}, nil
}

// globBase returns the pattern prefix up to the first meta character.
func globBase(raw string) string {
	parts := strings.Split(filepath.ToSlash(raw), "/")
	var kept []string
	for _, part := range parts {
		if strings.ContainsAny(part, "*?[") {
			break
		}
		kept = append(kept, part)
	}
	base := strings.Join(kept, "/")
	if base == "" {
		if filepath.IsAbs(raw) {
			return string(filepath.Separator)
		}
		return "."
	}
	return filepath.FromSlash(base)
}

// nearestExisting walks up from path to the first ancestor present on disk.
func nearestExisting(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return ""
		}
		path = parent
	}
}
