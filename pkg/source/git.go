// Package source materializes the operating system source tree from a git
// repository. Clones are shallow: a build only ever needs the tip of one
// release branch.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	// ErrRefNotFound reports a branch or tag the remote does not have.
	ErrRefNotFound = errors.New("ref not found in repository")
	// ErrNetwork reports a remote that could not be reached.
	ErrNetwork = errors.New("repository unreachable")
)

// Provider fetches and updates the source tree for a build.
type Provider interface {
	// Fetch materializes ref in the provider's directory and returns its
	// path. Fetching into an existing checkout updates it instead.
	Fetch(ctx context.Context, ref string) (string, error)
	// Update brings an existing checkout to the remote tip of ref.
	Update(ctx context.Context, ref string) error
}

// GitProvider checks sources out of a git repository.
type GitProvider struct {
	// Repo is the remote URL.
	Repo string
	// Dir is where the checkout lives.
	Dir string
	// Logger receives progress lines; nil disables logging.
	Logger func(format string, args ...any)
}

func (g *GitProvider) logf(format string, args ...any) {
	if g.Logger != nil {
		g.Logger(format, args...)
	}
}

// Fetch clones ref into the provider's directory, or updates the checkout if
// one is already there.
func (g *GitProvider) Fetch(ctx context.Context, ref string) (string, error) {
	if _, err := os.Stat(filepath.Join(g.Dir, ".git")); err == nil {
		if err := g.Update(ctx, ref); err != nil {
			return "", err
		}
		return g.Dir, nil
	}

	if err := os.MkdirAll(filepath.Dir(g.Dir), 0755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	g.logf("cloning %s (%s) into %s", g.Repo, ref, g.Dir)
	err := g.git(ctx, "", "clone", "--branch", ref, "--depth", "1", g.Repo, g.Dir)
	if err != nil {
		return "", err
	}
	return g.Dir, nil
}

// Update fetches the remote tip of ref and resets the checkout to it.
func (g *GitProvider) Update(ctx context.Context, ref string) error {
	g.logf("updating %s to %s", g.Dir, ref)
	if err := g.git(ctx, g.Dir, "fetch", "--depth", "1", "origin", ref); err != nil {
		return err
	}
	return g.git(ctx, g.Dir, "reset", "--hard", "FETCH_HEAD")
}

func (g *GitProvider) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return classify(args[0], stderr.String(), err)
	}
	return nil
}

// classify maps git's stderr to the package's sentinel errors so the caller
// can tell a bad branch name from a network outage.
func classify(op, stderr string, err error) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "not found in upstream"),
		strings.Contains(lower, "couldn't find remote ref"),
		strings.Contains(lower, "remote branch") && strings.Contains(lower, "not found"):
		return fmt.Errorf("%w: %s", ErrRefNotFound, msg)
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "unable to access"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection timed out"):
		return fmt.Errorf("%w: %s", ErrNetwork, msg)
	}
	if msg != "" {
		return fmt.Errorf("git %s: %v: %s", op, err, msg)
	}
	return fmt.Errorf("git %s: %w", op, err)
}
