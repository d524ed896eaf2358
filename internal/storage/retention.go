package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/vaultkeeper/internal/logging"
)

// TrimResult summarises one retention pass. Errors holds per-version
// failures; the pass continues past them.
type TrimResult struct {
	Kept    int
	Deleted int
	Errors  []error
}

// Err joins the collected errors, or returns nil.
func (r TrimResult) Err() error {
	return errors.Join(r.Errors...)
}

// ListFunc lists versions in any order.
type ListFunc func(ctx context.Context) ([]ProviderVersion, error)

// DeleteFunc removes one version.
type DeleteFunc func(ctx context.Context, v ProviderVersion) error

// ApplyRetention keeps the retain newest versions and deletes the rest,
// oldest first. It is best effort: failures are logged at warn level and
// collected into the result.
func ApplyRetention(ctx context.Context, log logging.Logger, list ListFunc, del DeleteFunc, retain int) TrimResult {
	if retain < 1 {
		retain = 1
	}

	var res TrimResult

	versions, err := list(ctx)
	if err != nil {
		log.Warn(ctx, "retention: list versions failed", "error", err)
		res.Errors = append(res.Errors, fmt.Errorf("list: %w", err))
		return res
	}

	SortNewestFirst(versions)

	if len(versions) <= retain {
		res.Kept = len(versions)
		return res
	}

	res.Kept = retain
	stale := versions[retain:]
	for i := len(stale) - 1; i >= 0; i-- {
		v := stale[i]
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, err)
			res.Kept += i + 1
			break
		}
		if err := del(ctx, v); err != nil {
			log.Warn(ctx, "retention: delete failed", "version", v.ID, "error", err)
			res.Errors = append(res.Errors, fmt.Errorf("delete %s: %w", v.ID, err))
			res.Kept++
			continue
		}
		res.Deleted++
	}

	return res
}

// LatestID returns the id of the newest version or ErrNotFound.
func LatestID(ctx context.Context, list ListFunc) (string, error) {
	versions, err := list(ctx)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", ErrNotFound
	}
	SortNewestFirst(versions)
	return versions[0].ID, nil
}
