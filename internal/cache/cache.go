// Package cache implements the content-addressed, partial-staging build
// cache described by the CI engine: every build output lives at a stable
// path once published, and is only ever reachable at that path after an
// atomic rename from a "partial." sibling.
package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const partialPrefix = "partial."

// RetainFunc decides whether an existing child name should survive
// Open/Child's prune-on-open sweep.
type RetainFunc func(name string) bool

// Cache owns a directory on disk and enforces the partial-staging publish
// protocol for every name created beneath it.
type Cache struct {
	path    string
	cleaned bool
}

// Open creates dir if missing, canonicalizes it, and removes every child
// whose name fails retain. It reports whether anything was removed via
// Cleaned.
func Open(dir string, retain RetainFunc) (*Cache, error) {
	if fi, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return nil, xerrors.Errorf("cache: stat %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, xerrors.Errorf("cache: mkdir %s: %w", dir, err)
		}
	} else if !fi.IsDir() {
		return nil, xerrors.Errorf("cache: %s exists and is not a directory", dir)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, xerrors.Errorf("cache: abs %s: %w", dir, err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, xerrors.Errorf("cache: canonicalize %s: %w", dir, err)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, xerrors.Errorf("cache: readdir %s: %w", abs, err)
	}

	c := &Cache{path: abs}
	for _, entry := range entries {
		name := entry.Name()
		if retain(name) {
			continue
		}
		victim := filepath.Join(abs, name)
		if err := os.RemoveAll(victim); err != nil {
			return nil, xerrors.Errorf("cache: prune %s: %w", victim, err)
		}
		c.cleaned = true
	}
	return c, nil
}

// Path returns the canonical directory this cache owns.
func (c *Cache) Path() string {
	return c.path
}

// Cleaned reports whether Open pruned at least one child.
func (c *Cache) Cleaned() bool {
	return c.cleaned
}

// Child opens a nested cache rooted at Path()/name.
func (c *Cache) Child(name string, retain RetainFunc) (*Cache, error) {
	return Open(filepath.Join(c.path, name), retain)
}

// Build realizes name under the cache, invoking produce against a
// "partial.name" scratch path and publishing it with a single rename on
// success. If the entry already exists and force is false, Build returns
// immediately without invoking produce.
func (c *Cache) Build(name string, force bool, produce func(path string) error) (path string, rebuilt bool, err error) {
	if err := checkName(name); err != nil {
		return "", false, err
	}

	path = filepath.Join(c.path, name)
	if _, statErr := os.Lstat(path); statErr == nil {
		if !force {
			return path, false, nil
		}
		if err := os.RemoveAll(path); err != nil {
			return "", false, xerrors.Errorf("cache: force-remove %s: %w", path, err)
		}
	} else if !os.IsNotExist(statErr) {
		return "", false, xerrors.Errorf("cache: stat %s: %w", path, statErr)
	}

	partial := filepath.Join(c.path, partialPrefix+name)
	if _, err := os.Lstat(partial); err == nil {
		return "", false, xerrors.Errorf("cache: partial data already exists at %s; a previous build likely crashed and must be inspected", partial)
	}

	if err := produce(partial); err != nil {
		return "", false, err
	}

	if err := os.Rename(partial, path); err != nil {
		return "", false, xerrors.Errorf("cache: publish %s: %w", path, err)
	}

	return path, true, nil
}

// Result is the outcome of one entry of a BuildParallel call. A failed
// producer leaves Err set and Path pointing at the "partial." scratch
// directory (diagnostic evidence, per the cache's residue-on-failure rule);
// callers inspect it for build logs rather than treating it as output.
type Result struct {
	Path    string
	Rebuilt bool
	Err     error
}

// BuildParallel builds every entry of jobs concurrently (one goroutine per
// entry that actually needs to run), then performs every publish rename
// sequentially on the calling goroutine once all producers have finished,
// in sorted key order, so callers observe deterministic result ordering.
// A failing producer does not prevent its siblings from publishing; the
// failure is reported via that entry's Result.Err, mirroring the rest of
// this codebase's "a failure short-circuits its own branch only" policy.
//
// Submitting the same name twice, or a name that collides across two
// concurrent BuildParallel calls on the same Cache, is a caller bug; this
// function does not attempt to detect cross-call races.
func (c *Cache) BuildParallel(ctx context.Context, jobs map[string]func(path string) error, force bool) (map[string]Result, error) {
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]Result, len(names))

	type pending struct {
		name    string
		path    string
		partial string
	}
	var toRun []pending

	for _, name := range names {
		if err := checkName(name); err != nil {
			return nil, err
		}
		path := filepath.Join(c.path, name)
		if _, statErr := os.Lstat(path); statErr == nil {
			if !force {
				results[name] = Result{Path: path, Rebuilt: false}
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				return nil, xerrors.Errorf("cache: force-remove %s: %w", path, err)
			}
		} else if !os.IsNotExist(statErr) {
			return nil, xerrors.Errorf("cache: stat %s: %w", path, statErr)
		}

		partial := filepath.Join(c.path, partialPrefix+name)
		if _, err := os.Lstat(partial); err == nil {
			return nil, xerrors.Errorf("cache: partial data already exists at %s; a previous build likely crashed and must be inspected", partial)
		}

		toRun = append(toRun, pending{name: name, path: path, partial: partial})
	}

	produceErrs := make([]error, len(toRun))
	eg, _ := errgroup.WithContext(ctx)
	for i, p := range toRun {
		i, p := i, p
		produce := jobs[p.name]
		eg.Go(func() error {
			produceErrs[i] = produce(p.partial)
			return nil // collect, don't cancel siblings on one failure
		})
	}
	// errgroup.Wait only ever returns non-nil here if ctx itself is canceled,
	// since the goroutines above never return their own error.
	if err := eg.Wait(); err != nil {
		return nil, xerrors.Errorf("cache: build parallel: %w", err)
	}

	for i, p := range toRun {
		if err := produceErrs[i]; err != nil {
			results[p.name] = Result{Path: p.partial, Rebuilt: false, Err: err}
			continue
		}
		if err := os.Rename(p.partial, p.path); err != nil {
			return nil, xerrors.Errorf("cache: publish %s: %w", p.path, err)
		}
		results[p.name] = Result{Path: p.path, Rebuilt: true}
	}

	return results, nil
}

func checkName(name string) error {
	if len(name) >= len(partialPrefix) && name[:len(partialPrefix)] == partialPrefix {
		return xerrors.Errorf("cache: name %q uses the reserved %q prefix", name, partialPrefix)
	}
	return nil
}
