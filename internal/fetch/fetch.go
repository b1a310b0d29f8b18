// Package fetch clones versioned source trees with retries and a fallback
// mirror. Clones are shallow by default; a stale destination is backed up
// (when requested) or removed before fetching.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/oqs-tools/pqsetup/internal/ctxlog"
	"github.com/oqs-tools/pqsetup/internal/fsutil"
	"github.com/oqs-tools/pqsetup/internal/retry"
)

// ErrFetchFailed indicates every attempted source was exhausted. Its
// message names each source tried.
var ErrFetchFailed = errors.New("fetch: all sources failed")

// Spec describes one source tree to fetch.
type Spec struct {
	// PrimaryURL is the preferred repository.
	PrimaryURL string

	// FallbackURL, when non-empty, is attempted with its own retry budget
	// after the primary's retries are exhausted.
	FallbackURL string

	// Ref is a tag or branch name to fetch.
	Ref string

	// Dest is the local path for the working tree.
	Dest string

	// Depth limits clone history. Zero means a full clone.
	Depth int

	// AttemptTimeout bounds each network attempt. Zero means no limit.
	AttemptTimeout time.Duration

	// Policy is the per-source retry budget.
	Policy retry.Policy

	// Backup renames a pre-existing Dest with a timestamp suffix instead
	// of deleting it.
	Backup bool
}

// Artifact identifies a fetched source tree.
type Artifact struct {
	URL    string
	Ref    string
	Path   string
	Commit string
}

// Fetch clones spec.Ref into spec.Dest, retrying per policy and falling
// back to the mirror when the primary is exhausted.
func Fetch(ctx context.Context, spec Spec) (*Artifact, error) {
	logger := ctxlog.FromContext(ctx)

	if spec.Backup {
		backup, err := fsutil.Backup(spec.Dest)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		if backup != "" {
			logger.Info("Backed up existing source tree.", "path", spec.Dest, "backup", backup)
		}
	} else if err := os.RemoveAll(spec.Dest); err != nil {
		return nil, fmt.Errorf("fetch: removing stale %s: %w", spec.Dest, err)
	}

	sources := []string{spec.PrimaryURL}
	if spec.FallbackURL != "" {
		sources = append(sources, spec.FallbackURL)
	}

	var lastErr error
	for i, url := range sources {
		if i > 0 {
			logger.Warn("Primary source exhausted, trying fallback.", "fallback", url)
		}
		err := spec.Policy.Do(ctx, func(ctx context.Context, attempt int) error {
			logger.Info("Fetching source.", "url", url, "ref", spec.Ref, "attempt", attempt)
			return cloneOnce(ctx, url, spec)
		})
		if err == nil {
			return describe(url, spec)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	if spec.FallbackURL != "" {
		return nil, fmt.Errorf("%w: primary %s, fallback %s: %v",
			ErrFetchFailed, spec.PrimaryURL, spec.FallbackURL, lastErr)
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, spec.PrimaryURL, lastErr)
}

// cloneOnce performs a single clone attempt. Failed attempts leave no
// partial tree behind.
func cloneOnce(ctx context.Context, url string, spec Spec) error {
	if spec.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.AttemptTimeout)
		defer cancel()
	}

	// The ref may name a tag or a branch; try the tag form first since
	// upstream releases are tagged.
	refNames := []plumbing.ReferenceName{
		plumbing.NewTagReferenceName(spec.Ref),
		plumbing.NewBranchReferenceName(spec.Ref),
	}

	var lastErr error
	for _, refName := range refNames {
		_, err := git.PlainCloneContext(ctx, spec.Dest, false, &git.CloneOptions{
			URL:           url,
			ReferenceName: refName,
			SingleBranch:  true,
			Depth:         spec.Depth,
			Tags:          git.NoTags,
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if rmErr := os.RemoveAll(spec.Dest); rmErr != nil {
			return fmt.Errorf("fetch: cleaning partial clone %s: %w", spec.Dest, rmErr)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("fetch: attempt canceled: %w", ctx.Err())
		}
	}
	return fmt.Errorf("fetch: cloning %s@%s: %w", url, spec.Ref, lastErr)
}

// describe opens the cloned tree and records its resolved head commit.
func describe(url string, spec Spec) (*Artifact, error) {
	artifact := &Artifact{URL: url, Ref: spec.Ref, Path: spec.Dest}

	repo, err := git.PlainOpen(spec.Dest)
	if err != nil {
		return nil, fmt.Errorf("fetch: opening clone at %s: %w", spec.Dest, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("fetch: resolving head of %s: %w", spec.Dest, err)
	}
	artifact.Commit = head.Hash().String()
	return artifact, nil
}
