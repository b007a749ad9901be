// Package branchresolver maps a repository's branch heads to the set of
// (pocket, suite) build requests, using the pocket-prefix and
// suite-pattern rules described by the CI engine's data model.
package branchresolver

import (
	"sort"
	"strings"

	"github.com/pop-os/pop-ci/internal/catalog"
	"github.com/pop-os/pop-ci/internal/gitfacade"
)

// Key identifies one (pocket, suite) build request.
type Key struct {
	Pocket catalog.Pocket
	Suite  catalog.Suite
}

// RepoBuild is, per commit, the set of branches pointing at it and, per
// suite, the set of pockets that want it built.
type RepoBuild struct {
	Branches map[gitfacade.Branch]bool
	Suites   map[catalog.Suite]map[catalog.Pocket]bool
}

// Resolve maps heads to (pocket, suite) -> commit for repoName, honoring
// distro-class filtering for dev/release mode and wildcard policy. The
// per-commit RepoBuild map is derived from its result by BuildsByCommit.
//
// Resolution order, per branch: split at the first '_'; the prefix is the
// pocket, the remainder (if any) is a list of suite-codename patterns
// separated by '_'. For each suite in catalog.AllSuites that builds in the
// requested mode: an explicit pattern branch sets (pocket, suite) if its
// codename appears in the pattern list, always overwriting whatever was
// there before (later explicit branches win). A bare-pocket branch (no
// pattern) sets (pocket, suite) only if the suite's wildcard policy
// permits repoName for this suite AND no entry already exists for that
// key: wildcards never overwrite an explicit entry, regardless of branch
// processing order.
func Resolve(repoName string, heads []gitfacade.Head, dev bool) map[Key]gitfacade.Commit {
	pockets := make(map[Key]gitfacade.Commit)

	for _, head := range heads {
		pocket, patterns := splitBranch(head.Branch)

		for _, suite := range catalog.AllSuites {
			if !suite.BuildsInMode(dev) {
				continue
			}
			key := Key{Pocket: pocket, Suite: suite}

			var insert bool
			if patterns != nil {
				insert = containsString(patterns, suite.Codename)
			} else {
				if _, exists := pockets[key]; exists {
					insert = false
				} else {
					insert = suite.WildcardMatches(repoName)
				}
			}
			if insert {
				pockets[key] = head.Commit
			}
		}
	}

	return pockets
}

// BuildsByCommit groups a resolved pockets map by commit, producing the
// RepoBuild the orchestrator walks to decide which suites to build for
// each commit and which pockets should receive the result.
func BuildsByCommit(heads []gitfacade.Head, pockets map[Key]gitfacade.Commit) map[gitfacade.Commit]*RepoBuild {
	builds := make(map[gitfacade.Commit]*RepoBuild)

	branchesByCommit := make(map[gitfacade.Commit][]gitfacade.Branch)
	for _, h := range heads {
		branchesByCommit[h.Commit] = append(branchesByCommit[h.Commit], h.Branch)
	}

	for key, commit := range pockets {
		b, ok := builds[commit]
		if !ok {
			b = &RepoBuild{
				Branches: make(map[gitfacade.Branch]bool),
				Suites:   make(map[catalog.Suite]map[catalog.Pocket]bool),
			}
			for _, branch := range branchesByCommit[commit] {
				b.Branches[branch] = true
			}
			builds[commit] = b
		}
		if b.Suites[key.Suite] == nil {
			b.Suites[key.Suite] = make(map[catalog.Pocket]bool)
		}
		b.Suites[key.Suite][key.Pocket] = true
	}

	return builds
}

// Pockets returns the build's pockets for suite, sorted for deterministic
// iteration.
func (b *RepoBuild) Pockets(suite catalog.Suite) []catalog.Pocket {
	set := b.Suites[suite]
	out := make([]catalog.Pocket, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SuitesSorted returns the build's suites in a stable order (codename).
func (b *RepoBuild) SuitesSorted() []catalog.Suite {
	out := make([]catalog.Suite, 0, len(b.Suites))
	for s := range b.Suites {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Codename < out[j].Codename })
	return out
}

// splitBranch splits a branch name at '_' into its pocket and, if any
// further segments are present, the list of suite-codename patterns.
// patterns is nil for a bare-pocket branch (no pattern segments at all)
// and is distinguished from an (impossible) empty non-nil slice so callers
// can tell "no patterns" from "patterns explicitly empty".
func splitBranch(branch gitfacade.Branch) (catalog.Pocket, []string) {
	parts := strings.SplitN(string(branch), "_", 2)
	pocket := catalog.Pocket(parts[0])
	if len(parts) == 1 {
		return pocket, nil
	}
	return pocket, strings.Split(parts[1], "_")
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
