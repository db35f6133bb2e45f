package builder

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// CacheFilename marks a configured build tree.
const CacheFilename = "CMakeCache.txt"

var errNotConfigured = errors.New("build tree has not been configured")

// staleInputs returns the files under sourceDir that match one of the watch
// patterns and were modified after buildDir was last configured. Matches
// inside buildDir are ignored. It returns errNotConfigured when buildDir has
// no CMakeCache.txt.
func staleInputs(sourceDir, buildDir string, patterns []string) ([]string, error) {
	cache, err := os.Stat(filepath.Join(buildDir, CacheFilename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNotConfigured
	}
	if err != nil {
		return nil, err
	}

	absSource, err := filepath.Abs(sourceDir)
	if err != nil {
		return nil, err
	}
	absBuild, err := filepath.Abs(buildDir)
	if err != nil {
		return nil, err
	}
	buildPrefix := ""
	if rel, err := filepath.Rel(absSource, absBuild); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		buildPrefix = filepath.ToSlash(rel) + "/"
	}

	fsys := os.DirFS(absSource)
	seen := make(map[string]bool)
	var stale []string

	for _, pat := range patterns {
		matches, err := doublestar.Glob(fsys, pat, doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			if seen[match] || (buildPrefix != "" && strings.HasPrefix(match, buildPrefix)) {
				continue
			}
			seen[match] = true

			info, err := os.Stat(filepath.Join(absSource, match))
			if err != nil {
				continue // removed while globbing
			}
			if info.ModTime().After(cache.ModTime()) {
				stale = append(stale, match)
			}
		}
	}

	slices.Sort(stale)
	return stale, nil
}
