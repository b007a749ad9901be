// Package orchestrator drives the whole pipeline: repository discovery
// and parallel fetch, per-commit per-suite source and binary builds, pool
// and dists assembly, and the final log-cache commit.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/pop-os/pop-ci/internal/binarystage"
	"github.com/pop-os/pop-ci/internal/branchresolver"
	"github.com/pop-os/pop-ci/internal/cache"
	"github.com/pop-os/pop-ci/internal/catalog"
	"github.com/pop-os/pop-ci/internal/ciresult"
	"github.com/pop-os/pop-ci/internal/gitfacade"
	"github.com/pop-os/pop-ci/internal/progress"
	"github.com/pop-os/pop-ci/internal/sourcestage"
	"github.com/pop-os/pop-ci/internal/status"
)

// Config collects everything the CLI surface (flags and environment)
// feeds into a run.
type Config struct {
	ReposDir       string // directory whose subdirectories are the git checkouts to build
	BuildDir       string // e.g. "_build/ci" or "_build/ci-dev"
	Dev            bool
	Launchpad      bool
	Publish        bool
	SbuildUpdate   bool
	Retry          []string
	Arm64Addr      string
	Arm64SSH       *ssh.ClientConfig
	Arm64RemoteDir string

	DebEmail    string
	DebFullName string

	BuildURL        string
	StatusTokenPath string

	PPAKeyPath string
	ISOKeyPath string

	RemoteAptBase string // rsync destination for --publish
}

// Orchestrator owns the shared collaborators every repository/commit/suite
// worker needs: the result aggregate, the external status reporter, and
// the terminal status board.
type Orchestrator struct {
	cfg      Config
	log      *log.Logger
	reporter *status.Reporter
	board    *progress.Board
	result   *ciresult.Context
	nextSlot uint64
}

// boardSlot returns a slot index to report a worker's status under,
// cycling round-robin across the board's available lines. A nil board
// (progress.NewBoard is always non-nil, but tests may construct an
// Orchestrator without one) degrades to slot 0, which progress.Board
// treats as a no-op when reporting is disabled.
func (o *Orchestrator) boardSlot() int {
	if o.board == nil || o.board.NumSlots() == 0 {
		return 0
	}
	n := atomic.AddUint64(&o.nextSlot, 1) - 1
	return int(n % uint64(o.board.NumSlots()))
}

func (o *Orchestrator) setStatus(idx int, line string) {
	if o.board == nil {
		return
	}
	o.board.Set(idx, line)
}

// New constructs an Orchestrator. logger receives both diagnostic
// messages and reporting failures from the status collaborator.
func New(cfg Config, logger *log.Logger, reporter *status.Reporter, board *progress.Board) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		log:      logger,
		reporter: reporter,
		board:    board,
		result:   ciresult.New(),
	}
}

// repoEntry is one discovered repository: its name and checkout path.
type repoEntry struct {
	name string
	path string
}

// discoverRepos lists reposDir's subdirectories that look like Debian
// packaging checkouts (a "debian" or, for the linux repository,
// "debian.master" directory at their root).
func discoverRepos(reposDir string) ([]repoEntry, error) {
	entries, err := os.ReadDir(reposDir)
	if err != nil {
		return nil, xerrors.Errorf("orchestrator: readdir %s: %w", reposDir, err)
	}

	var repos []repoEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(reposDir, e.Name())
		debian := filepath.Join(path, "debian")
		debianMaster := filepath.Join(path, "debian.master")
		if !dirExists(debian) && !dirExists(debianMaster) {
			continue
		}
		repos = append(repos, repoEntry{name: e.Name(), path: path})
	}
	sort.Slice(repos, func(i, j int) bool { return repos[i].name < repos[j].name })
	return repos, nil
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// Run executes one full pipeline invocation.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.SbuildUpdate {
		if err := o.setupChroots(ctx); err != nil {
			return err
		}
	}

	repos, err := discoverRepos(o.cfg.ReposDir)
	if err != nil {
		return err
	}
	if o.cfg.Dev {
		filtered := repos[:0]
		for _, r := range repos {
			if catalog.DevRepoAllowed(r.name) {
				filtered = append(filtered, r)
			}
		}
		repos = filtered
	}

	if err := o.fetchAll(ctx, repos); err != nil {
		return err
	}

	topCache, err := cache.Open(o.cfg.BuildDir, func(name string) bool {
		return name == "git" || name == "apt" || name == "log"
	})
	if err != nil {
		return xerrors.Errorf("orchestrator: open top cache: %w", err)
	}

	repoNames := make(map[string]bool, len(repos))
	for _, r := range repos {
		repoNames[r.name] = true
	}
	gitCache, err := topCache.Child("git", func(name string) bool { return repoNames[name] })
	if err != nil {
		return xerrors.Errorf("orchestrator: open git cache: %w", err)
	}

	for _, r := range repos {
		if err := o.processRepo(ctx, gitCache, r); err != nil {
			return err
		}
	}

	aptCache, err := topCache.Child("apt", func(name string) bool {
		for _, p := range o.result.Pockets() {
			if string(p) == name {
				return true
			}
		}
		return false
	})
	if err != nil {
		return xerrors.Errorf("orchestrator: open apt cache: %w", err)
	}
	if err := o.publishAll(ctx, aptCache); err != nil {
		return err
	}

	logCache, err := topCache.Child("log", func(string) bool { return true })
	if err != nil {
		return xerrors.Errorf("orchestrator: open log cache: %w", err)
	}
	return o.commitLogs(logCache)
}

// setupChroots ensures an sbuild chroot exists for every (suite, arch)
// pair this run's mode (--dev or release) will build, then runs
// sbuild-update for each, implementing the --sbuild-update flag's
// "update chroots before building" setup step. arm64 is routed to the
// configured remote builder, or silently skipped if none is configured.
func (o *Orchestrator) setupChroots(ctx context.Context) error {
	type target struct {
		suite string
		arch  catalog.Arch
	}
	seen := make(map[target]bool)
	var targets []target
	for _, suite := range catalog.AllSuites {
		if !suite.BuildsInMode(o.cfg.Dev) {
			continue
		}
		repoInfo := catalog.RepoInfoFor(suite, o.cfg.Dev, o.cfg.PPAKeyPath, o.cfg.ISOKeyPath)
		for _, arch := range repoInfo.Archs {
			if arch == catalog.Arm64 && o.cfg.Arm64Addr == "" {
				continue
			}
			t := target{suite: suite.Codename, arch: arch}
			if seen[t] {
				continue
			}
			seen[t] = true
			targets = append(targets, t)
		}
	}

	o.log.Printf("chroot setup: %d targets", len(targets))
	eg, ctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		eg.Go(func() error {
			var remote *binarystage.RemoteBuilder
			if t.arch == catalog.Arm64 {
				remote = &binarystage.RemoteBuilder{
					Addr:       o.cfg.Arm64Addr,
					ClientConf: o.cfg.Arm64SSH,
					RemoteDir:  o.cfg.Arm64RemoteDir,
				}
			}
			if err := binarystage.EnsureChroot(ctx, t.arch, t.suite, remote); err != nil {
				return xerrors.Errorf("create chroot %s/%s: %w", t.suite, t.arch, err)
			}
			if err := binarystage.UpdateChroot(ctx, t.arch, t.suite, remote); err != nil {
				return xerrors.Errorf("sbuild-update %s/%s: %w", t.suite, t.arch, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// fetchAll fetches every repository's origin remote concurrently, one
// goroutine per repository, matching async_fetch_repos's
// FuturesUnordered fan-out.
func (o *Orchestrator) fetchAll(ctx context.Context, repos []repoEntry) error {
	o.log.Printf("fetching %d repos in parallel", len(repos))
	eg, ctx := errgroup.WithContext(ctx)
	for _, r := range repos {
		r := r
		eg.Go(func() error {
			repo, err := gitfacade.Open(r.path)
			if err != nil {
				return xerrors.Errorf("%s: open: %w", r.name, err)
			}
			if err := repo.Fetch(ctx, gitfacade.Origin); err != nil {
				return xerrors.Errorf("%s: fetch: %w", r.name, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// processRepo resolves repoEntry's branch heads into build requests and
// drives each commit's suite fan-out.
func (o *Orchestrator) processRepo(ctx context.Context, gitCache *cache.Cache, r repoEntry) error {
	o.log.Printf("%s", r.name)

	repo, err := gitfacade.Open(r.path)
	if err != nil {
		return xerrors.Errorf("%s: open: %w", r.name, err)
	}
	heads, err := repo.Heads(ctx, gitfacade.Origin)
	if err != nil {
		return xerrors.Errorf("%s: heads: %w", r.name, err)
	}

	pockets := branchresolver.Resolve(r.name, heads, o.cfg.Dev)
	builds := branchresolver.BuildsByCommit(heads, pockets)

	commits := make([]string, 0, len(builds))
	for commit := range builds {
		commits = append(commits, string(commit))
	}
	sort.Strings(commits)

	repoCache, err := gitCache.Child(r.name, func(name string) bool {
		_, ok := builds[gitfacade.Commit(name)]
		return ok
	})
	if err != nil {
		return xerrors.Errorf("%s: open repo cache: %w", r.name, err)
	}

	for _, commitStr := range commits {
		commit := gitfacade.Commit(commitStr)
		if err := o.processCommit(ctx, repoCache, repo, r.name, commit, builds[commit]); err != nil {
			return err
		}
	}
	return nil
}

// processCommit builds the commit's archive then fans out its suites in
// parallel, joining them all before moving to the next commit.
func (o *Orchestrator) processCommit(ctx context.Context, repoCache *cache.Cache, repo *gitfacade.Repo, repoName string, commit gitfacade.Commit, build *branchresolver.RepoBuild) error {
	o.log.Printf("  %s", commit)

	suites := build.SuitesSorted()
	commitCache, err := repoCache.Child(string(commit), func(name string) bool {
		if name == "archive.tar.gz" {
			return true
		}
		_, ok := catalog.SuiteByCodename(name)
		return ok
	})
	if err != nil {
		return xerrors.Errorf("%s/%s: open commit cache: %w", repoName, commit, err)
	}

	archivePath, _, err := commitCache.Build("archive.tar.gz", false, func(path string) error {
		return repo.Archive(ctx, commit, path)
	})
	if err != nil {
		return xerrors.Errorf("%s/%s: build archive: %w", repoName, commit, err)
	}

	commitTimestamp, err := repo.CommitTimestamp(ctx, commit)
	if err != nil {
		return xerrors.Errorf("%s/%s: commit timestamp: %w", repoName, commit, err)
	}
	commitDate, err := repo.CommitDate(ctx, commit)
	if err != nil {
		return xerrors.Errorf("%s/%s: commit date: %w", repoName, commit, err)
	}
	committerName, committerEmail, err := repo.CommitterIdentity(ctx, commit)
	if err != nil {
		return xerrors.Errorf("%s/%s: committer identity: %w", repoName, commit, err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, suite := range suites {
		suite := suite
		eg.Go(func() error {
			return o.buildSuite(ctx, commitCache, suiteContext{
				repo:            repo,
				repoName:        repoName,
				commit:          commit,
				suite:           suite,
				archivePath:     archivePath,
				commitTimestamp: commitTimestamp,
				commitDate:      commitDate,
				committer:       sourcestage.Identity{Name: committerName, Email: committerEmail},
				pockets:         build.Pockets(suite),
			})
		})
	}
	return eg.Wait()
}

type suiteContext struct {
	repo            *gitfacade.Repo
	repoName        string
	commit          gitfacade.Commit
	suite           catalog.Suite
	archivePath     string
	commitTimestamp string
	commitDate      string
	committer       sourcestage.Identity
	pockets         []catalog.Pocket
}

// buildSuite runs SourceStage then BinaryStage for one (commit, suite),
// and on success installs the resulting Package into every pocket that
// requested this suite.
func (o *Orchestrator) buildSuite(ctx context.Context, commitCache *cache.Cache, sc suiteContext) error {
	suiteCache, err := commitCache.Child(sc.suite.Codename, func(name string) bool {
		if name == "source" {
			return true
		}
		for _, a := range catalog.RepoInfoFor(sc.suite, o.cfg.Dev, o.cfg.PPAKeyPath, o.cfg.ISOKeyPath).Archs {
			if string(a) == name {
				return true
			}
		}
		return false
	})
	if err != nil {
		return xerrors.Errorf("%s/%s/%s: open suite cache: %w", sc.repoName, sc.commit, sc.suite.Codename, err)
	}

	hasChangelog, err := o.hasChangelog(ctx, sc)
	if err != nil {
		return err
	}
	if !hasChangelog {
		o.log.Printf("    %s/%s/%s: no debian/changelog, skipping", sc.repoName, sc.commit, sc.suite.Codename)
		return nil
	}

	if o.alreadyFailedSkip(sc, "source", "") {
		o.log.Printf("    %s/%s/%s: source already failed and not in retry set, skipping", sc.repoName, sc.commit, sc.suite.Codename)
		return nil
	}

	slot := o.boardSlot()
	o.setStatus(slot, progress.BuildLabel(sc.repoName, string(sc.commit), sc.suite.Codename, ""))
	defer o.setStatus(slot, "idle")

	o.reporter.Report(ctx, status.SourceStep(), status.Pending)
	sourceForce := retryMatches(o.cfg.Retry, sc.repoName, sc.commit, sc.suite, "", sc.pockets)
	sourcePath, sourceRebuilt, err := suiteCache.Build("source", sourceForce, func(scratch string) error {
		return sourcestage.Build(ctx, sourcestage.Request{
			RepoName:        sc.repoName,
			Commit:          sc.commit,
			SuiteCodename:   sc.suite.Codename,
			SuiteVersion:    sc.suite.Version,
			ArchiveTarPath:  sc.archivePath,
			CommitTimestamp: sc.commitTimestamp,
			CommitDate:      sc.commitDate,
			Committer:       sc.committer,
			Dev:             o.cfg.Dev,
		}, scratch)
	})
	if err != nil {
		o.reporter.Report(ctx, status.SourceStep(), status.Failure)
		logs, findErr := sourcestage.FindBuildLogs(filepath.Join(suiteCache.Path(), "partial.source"))
		if findErr != nil {
			o.log.Printf("    %s/%s/%s: source build failed, and scanning for logs failed: %v", sc.repoName, sc.commit, sc.suite.Codename, findErr)
			return nil
		}
		o.registerLogs(sc, "source", logs)
		return nil
	}
	o.reporter.Report(ctx, status.SourceStep(), status.Success)

	classified, err := sourcestage.Classify(sourcePath)
	if err != nil {
		o.log.Printf("    %s/%s/%s: %v, skipping", sc.repoName, sc.commit, sc.suite.Codename, err)
		return nil
	}

	pkg := ciresult.NewPackage()
	pkg.Rebuilt = sourceRebuilt
	pkg.Changes[filepath.Base(classified.ChangesPath)] = classified.ChangesPath
	pkg.Dscs[filepath.Base(classified.DscPath)] = classified.DscPath
	for name, path := range classified.TarPaths {
		pkg.Tars[name] = path
	}

	repoInfo := catalog.RepoInfoFor(sc.suite, o.cfg.Dev, o.cfg.PPAKeyPath, o.cfg.ISOKeyPath)

	// forceJobs and normalJobs split the architecture set by whether this
	// run's --retry keys force that specific architecture: retryMatches is
	// evaluated per-arch (archKey = string(arch)) right where each job
	// closure is built, so e.g. "--retry arch:arm64" forces only arm64's
	// BuildParallel entry instead of every architecture's. Cache.BuildParallel
	// only accepts a single force bool per call, so the two groups are built
	// with two separate calls and their results merged.
	forceJobs := make(map[string]func(path string) error)
	normalJobs := make(map[string]func(path string) error)
	for _, arch := range repoInfo.Archs {
		if !arch.Matches(dscArchitectureField(classified.DscPath)) {
			continue
		}
		if arch == catalog.Arm64 && o.cfg.Arm64Addr == "" {
			continue // no remote builder configured, skip arm64
		}
		if o.alreadyFailedSkip(sc, string(arch), string(arch)) {
			o.log.Printf("    %s/%s/%s/%s: already failed and not in retry set, skipping", sc.repoName, sc.commit, sc.suite.Codename, arch)
			continue
		}
		arch := arch
		job := func(path string) error {
			return o.buildBinary(ctx, sc, arch, classified.DscPath, repoInfo, path)
		}
		if sourceRebuilt || retryMatches(o.cfg.Retry, sc.repoName, sc.commit, sc.suite, string(arch), sc.pockets) {
			forceJobs[string(arch)] = job
		} else {
			normalJobs[string(arch)] = job
		}
	}

	results := make(map[string]cache.Result, len(forceJobs)+len(normalJobs))
	if len(forceJobs) > 0 {
		forced, err := suiteCache.BuildParallel(ctx, forceJobs, true)
		if err != nil {
			return xerrors.Errorf("%s/%s/%s: build binaries (forced): %w", sc.repoName, sc.commit, sc.suite.Codename, err)
		}
		for name, res := range forced {
			results[name] = res
		}
	}
	if len(normalJobs) > 0 {
		unforced, err := suiteCache.BuildParallel(ctx, normalJobs, false)
		if err != nil {
			return xerrors.Errorf("%s/%s/%s: build binaries: %w", sc.repoName, sc.commit, sc.suite.Codename, err)
		}
		for name, res := range unforced {
			results[name] = res
		}
	}

	anyFailed := false
	for archName, res := range results {
		arch := catalog.Arch(archName)
		if res.Err != nil {
			anyFailed = true
			o.reporter.Report(ctx, status.BinaryStep(archName), status.Failure)
			logs, findErr := binarystage.FindBuildLogs(res.Path, arch)
			if findErr == nil {
				o.registerLogs(sc, archName, logs)
			}
			continue
		}
		o.reporter.Report(ctx, status.BinaryStep(archName), status.Success)
		debs, err := binarystage.CollectDebs(res.Path)
		if err != nil {
			return xerrors.Errorf("%s/%s/%s/%s: collect debs: %w", sc.repoName, sc.commit, sc.suite.Codename, archName, err)
		}
		for name, path := range debs {
			pkg.Debs[name] = path
		}
		pkg.Archs = append(pkg.Archs, arch)
		if res.Rebuilt {
			pkg.Rebuilt = true
		}
	}

	if anyFailed {
		o.log.Printf("    %s/%s/%s: an architecture failed, not publishing this suite's package", sc.repoName, sc.commit, sc.suite.Codename)
		return nil
	}

	sort.Slice(pkg.Archs, func(i, j int) bool { return pkg.Archs[i] < pkg.Archs[j] })
	for _, pocket := range sc.pockets {
		o.result.InsertPackage(pocket, sc.suite, sc.repoName, sc.commit, pkg)
	}
	return nil
}

func (o *Orchestrator) buildBinary(ctx context.Context, sc suiteContext, arch catalog.Arch, dscPath string, repoInfo catalog.RepoInfo, outDir string) error {
	slot := o.boardSlot()
	o.setStatus(slot, progress.BuildLabel(sc.repoName, string(sc.commit), sc.suite.Codename, string(arch)))
	defer o.setStatus(slot, "idle")

	o.reporter.Report(ctx, status.BinaryStep(string(arch)), status.Pending)

	var remote *binarystage.RemoteBuilder
	if arch == catalog.Arm64 && o.cfg.Arm64Addr != "" {
		remote = &binarystage.RemoteBuilder{
			Addr:       o.cfg.Arm64Addr,
			ClientConf: o.cfg.Arm64SSH,
			RemoteDir:  o.cfg.Arm64RemoteDir,
		}
	}

	return binarystage.Build(ctx, binarystage.Request{
		Arch:           arch,
		SuiteCodename:  sc.suite.Codename,
		DscPath:        dscPath,
		SigningKeyPath: repoInfo.SigningKeyPath,
		ReleaseURL:     repoInfo.ReleaseURL,
		StagingURL:     repoInfo.StagingURL,
		Remote:         remote,
	}, outDir)
}

// hasChangelog implements SourceStage step 1: short-circuit if the
// commit carries no debian/changelog (debian.master/changelog for the
// linux repository), checked directly against the git tree rather than
// the extracted archive so a missing changelog is detected before any
// cache entry is touched.
func (o *Orchestrator) hasChangelog(ctx context.Context, sc suiteContext) (bool, error) {
	rel := "debian/changelog"
	if sc.repoName == sourcestage.LinuxRepoName {
		rel = "debian.master/changelog"
	}
	ok, err := sc.repo.FileExists(ctx, sc.commit, rel)
	if err != nil {
		return false, xerrors.Errorf("%s/%s: checking for %s: %w", sc.repoName, sc.commit, rel, err)
	}
	return ok, nil
}

func dscArchitectureField(dscPath string) string {
	data, err := os.ReadFile(dscPath)
	if err != nil {
		return ""
	}
	return parseDscArchitecture(string(data))
}

func parseDscArchitecture(contents string) string {
	const field = "Architecture:"
	for _, line := range strings.Split(contents, "\n") {
		if strings.HasPrefix(line, field) {
			return strings.TrimSpace(line[len(field):])
		}
	}
	return ""
}

// registerLogs installs logs found under a failed stage's partial
// directory into the result aggregate, named per the canonical
// <repo>_<commit>_<suite>_<stage>.log convention, both globally and per
// pocket.
func (o *Orchestrator) registerLogs(sc suiteContext, stage string, logs []string) {
	for _, logPath := range logs {
		name := fmt.Sprintf("%s_%s_%s_%s.log", sc.repoName, sc.commit, sc.suite.Codename, stage)
		entry := ciresult.LogEntry{Name: name, SourcePath: logPath, Rebuilt: true}
		o.result.AddLog(entry)
		for _, pocket := range sc.pockets {
			o.result.AddPocketLog(pocket, entry)
		}
	}
}

// alreadyFailedSkip implements the "already-failed log exists unless
// retry" short-circuit shared by SourceStage and BinaryStage: if a log
// file for this (repo, commit, suite, stage) already exists in the log
// cache from a previous run, and none of the applicable retry keys are
// set, the stage is skipped and its existing log is re-surfaced as this
// run's output for the stage instead of rebuilding.
func (o *Orchestrator) alreadyFailedSkip(sc suiteContext, stage, archKey string) bool {
	logName := fmt.Sprintf("%s_%s_%s_%s.log", sc.repoName, sc.commit, sc.suite.Codename, stage)
	logPath := filepath.Join(o.cfg.BuildDir, "log", logName)
	if _, err := os.Stat(logPath); err != nil {
		return false
	}
	if retryMatches(o.cfg.Retry, sc.repoName, sc.commit, sc.suite, archKey, sc.pockets) {
		return false
	}
	entry := ciresult.LogEntry{Name: logName, SourcePath: logPath}
	o.result.AddLog(entry)
	for _, pocket := range sc.pockets {
		o.result.AddPocketLog(pocket, entry)
	}
	return true
}
