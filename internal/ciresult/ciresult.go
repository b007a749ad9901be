// Package ciresult holds the aggregate state shared across concurrent
// suite/architecture build workers: the bag of files that make up a
// built Package, the per-pocket/per-suite/per-repo map the Publisher
// consumes, and the build-log registry. Every mutation is a single
// lock-guarded insert; duplicate keys are a programming bug, surfaced by
// panicking rather than silently overwriting or retrying, matching this
// codebase's policy that invariant violations abort the process.
package ciresult

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pop-os/pop-ci/internal/catalog"
	"github.com/pop-os/pop-ci/internal/gitfacade"
)

// Package is the bag of files produced for a (repo, commit, suite).
type Package struct {
	Rebuilt bool
	Changes map[string]string // filename -> path
	Dscs    map[string]string
	Tars    map[string]string
	Debs    map[string]string
	Archs   []catalog.Arch
}

// NewPackage returns an empty Package ready to be populated.
func NewPackage() *Package {
	return &Package{
		Changes: make(map[string]string),
		Dscs:    make(map[string]string),
		Tars:    make(map[string]string),
		Debs:    make(map[string]string),
	}
}

// CommitPackage pairs a built Package with the commit it was built from.
type CommitPackage struct {
	Commit  gitfacade.Commit
	Package *Package
}

// LogEntry names a build log registered for copying into the log cache.
// Rebuilt is true for logs produced by this run's failures, false for
// logs re-surfaced from a previous run; it feeds the force flag when the
// entry is committed to the log cache, so a re-surfaced log (whose
// SourcePath may be the cached copy itself) is never clobbered.
type LogEntry struct {
	Name       string // destination log file name, e.g. "alpha_c0ffee1_focal_source.log"
	SourcePath string
	Rebuilt    bool
}

// Context is the mutable aggregate shared across a commit's suite
// workers and a pocket's suite workers.
type Context struct {
	mu sync.Mutex

	// pocket -> suite -> repo -> (commit, package)
	pocketPackages map[catalog.Pocket]map[catalog.Suite]map[string]CommitPackage

	logs       []LogEntry
	pocketLogs map[catalog.Pocket][]LogEntry
}

// New returns an empty Context.
func New() *Context {
	return &Context{
		pocketPackages: make(map[catalog.Pocket]map[catalog.Suite]map[string]CommitPackage),
		pocketLogs:     make(map[catalog.Pocket][]LogEntry),
	}
}

// InsertPackage installs pkg for (pocket, suite, repoName). It panics if
// an entry already exists for that key: BranchResolver's output should
// never produce the same (pocket, suite, repo) twice for a single run.
func (c *Context) InsertPackage(pocket catalog.Pocket, suite catalog.Suite, repoName string, commit gitfacade.Commit, pkg *Package) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bySuite, ok := c.pocketPackages[pocket]
	if !ok {
		bySuite = make(map[catalog.Suite]map[string]CommitPackage)
		c.pocketPackages[pocket] = bySuite
	}
	byRepo, ok := bySuite[suite]
	if !ok {
		byRepo = make(map[string]CommitPackage)
		bySuite[suite] = byRepo
	}
	if _, exists := byRepo[repoName]; exists {
		panic(fmt.Sprintf("BUG: duplicate package insert for pocket=%s suite=%s repo=%s", pocket, suite.Codename, repoName))
	}
	byRepo[repoName] = CommitPackage{Commit: commit, Package: pkg}
}

// Pockets returns every pocket that has at least one package, sorted.
func (c *Context) Pockets() []catalog.Pocket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]catalog.Pocket, 0, len(c.pocketPackages))
	for p := range c.pocketPackages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SuitesForPocket returns the suites with packages under pocket, sorted.
func (c *Context) SuitesForPocket(pocket catalog.Pocket) []catalog.Suite {
	c.mu.Lock()
	defer c.mu.Unlock()
	bySuite := c.pocketPackages[pocket]
	out := make([]catalog.Suite, 0, len(bySuite))
	for s := range bySuite {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out
}

// ReposForPocketSuite returns the (repoName -> CommitPackage) map for
// (pocket, suite). The returned map is a copy safe for the caller to
// range over without holding the Context's lock.
func (c *Context) ReposForPocketSuite(pocket catalog.Pocket, suite catalog.Suite) map[string]CommitPackage {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.pocketPackages[pocket][suite]
	out := make(map[string]CommitPackage, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// AddLog registers a global build log.
func (c *Context) AddLog(entry LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, entry)
}

// AddPocketLog registers a build log scoped to pocket.
func (c *Context) AddPocketLog(pocket catalog.Pocket, entry LogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pocketLogs[pocket] = append(c.pocketLogs[pocket], entry)
}

// Logs returns every registered global log, in insertion order.
func (c *Context) Logs() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// PocketLogs returns every registered log for pocket, in insertion order.
func (c *Context) PocketLogs(pocket catalog.Pocket) []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.pocketLogs[pocket]
	out := make([]LogEntry, len(src))
	copy(out, src)
	return out
}
