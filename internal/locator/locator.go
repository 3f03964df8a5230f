// Package locator recovers stage artifacts that a tool wrote somewhere other
// than the path it was asked to use.
package locator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/makeasinger/karaoke/internal/fileutil"
)

var (
	// ErrArtifactNotProduced means no candidate file was found anywhere.
	ErrArtifactNotProduced = errors.New("artifact not produced")
	// ErrArtifactInvalid means candidates were found but all failed validation.
	ErrArtifactInvalid = errors.New("artifact invalid")
)

// Candidate is one fallback location: a directory and a name predicate.
// Validate, when set, must accept the file's content before it is moved.
type Candidate struct {
	Dir      string
	Match    func(name string) bool
	Validate func(path string) error
}

// Rejection is a matching file that failed validation.
type Rejection struct {
	Path string
	Err  error
}

// SearchError lists where the locator looked, in search order.
type SearchError struct {
	Expected string
	Searched []string
	Rejected []Rejection
}

func (e *SearchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s not found at %s", filepath.Base(e.Expected), e.Expected)
	if len(e.Searched) > 0 {
		fmt.Fprintf(&b, "; searched %s", strings.Join(e.Searched, ", "))
	}
	for _, r := range e.Rejected {
		fmt.Fprintf(&b, "; rejected %s: %v", r.Path, r.Err)
	}
	return b.String()
}

func (e *SearchError) Unwrap() error {
	if len(e.Rejected) > 0 {
		return ErrArtifactInvalid
	}
	return ErrArtifactNotProduced
}

// Locate returns expected once a file exists there. When it is missing the
// candidates are tried in order and the first matching, valid file is moved
// into place.
func Locate(expected string, candidates []Candidate) (string, error) {
	if fileutil.Exists(expected) {
		return expected, nil
	}

	serr := &SearchError{Expected: expected}
	seen := make(map[string]bool)
	for _, c := range candidates {
		if c.Dir == "" || seen[c.Dir] {
			continue
		}
		seen[c.Dir] = true
		serr.Searched = append(serr.Searched, c.Dir)

		entries, err := os.ReadDir(c.Dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() || !c.Match(entry.Name()) {
				continue
			}
			path := filepath.Join(c.Dir, entry.Name())
			if path == expected {
				continue
			}
			if c.Validate != nil {
				if err := c.Validate(path); err != nil {
					serr.Rejected = append(serr.Rejected, Rejection{Path: path, Err: err})
					continue
				}
			}
			if err := fileutil.Move(path, expected); err != nil {
				return "", fmt.Errorf("relocate %s: %w", path, err)
			}
			return expected, nil
		}
	}
	return "", serr
}

// HasSuffixFold matches names ending in ext regardless of case.
func HasSuffixFold(name, ext string) bool {
	return strings.HasSuffix(strings.ToLower(name), strings.ToLower(ext))
}

// ContainsFold matches names containing sub regardless of case.
func ContainsFold(name, sub string) bool {
	return strings.Contains(strings.ToLower(name), strings.ToLower(sub))
}
