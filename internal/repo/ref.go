// Package repo parses repository references and manages clones, worktrees and
// exclusive access to main clones.
package repo

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRef is returned when a reference is not of the form org/repo[@branch].
var ErrInvalidRef = errors.New("invalid repository reference")

// Ref names a GitHub repository and optional branch.
type Ref struct {
	Org    string
	Repo   string
	Branch string
}

// FullName returns "org/repo".
func (r Ref) FullName() string {
	return r.Org + "/" + r.Repo
}

func (r Ref) String() string {
	if r.Branch == "" {
		return r.FullName()
	}
	return r.FullName() + "@" + r.Branch
}

// ParseRef parses "org/repo", "org/repo@branch" or, when defaultOrg is set,
// a bare "repo[@branch]".
func ParseRef(s, defaultOrg string) (Ref, error) {
	s = strings.TrimSpace(s)
	name, branch, hasBranch := strings.Cut(s, "@")
	if hasBranch && branch == "" {
		return Ref{}, fmt.Errorf("%w: %q has an empty branch", ErrInvalidRef, s)
	}

	parts := strings.Split(name, "/")
	switch {
	case len(parts) == 1 && defaultOrg != "" && parts[0] != "":
		parts = []string{defaultOrg, parts[0]}
	case len(parts) != 2:
		return Ref{}, fmt.Errorf("%w: %q, expected org/repo[@branch]", ErrInvalidRef, s)
	}
	if parts[0] == "" || parts[1] == "" {
		return Ref{}, fmt.Errorf("%w: %q, expected org/repo[@branch]", ErrInvalidRef, s)
	}
	return Ref{Org: parts[0], Repo: parts[1], Branch: branch}, nil
}

// LooksLikeRepo reports whether s has the shape of org/repo[@branch].
func LooksLikeRepo(s string) bool {
	name, _, _ := strings.Cut(s, "@")
	return strings.Count(name, "/") == 1 && !strings.HasPrefix(name, "/") && !strings.HasSuffix(name, "/")
}
