// Package sourcestage builds the source package for one (commit, suite):
// it extracts the cached commit archive, rewrites the changelog to a
// derived, suite-qualified version, applies any queued patches, and
// invokes the source-only package build.
package sourcestage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/pop-os/pop-ci/internal/gitfacade"
	"github.com/pop-os/pop-ci/internal/procutil"
)

// LinuxRepoName is the repository whose changelog lives at
// debian.master/changelog instead of debian/changelog, and which requires
// a "debian/rules clean" pre-step before the source build.
const LinuxRepoName = "linux"

func changelogRelPath(repoName string) string {
	if repoName == LinuxRepoName {
		return filepath.Join("debian.master", "changelog")
	}
	return filepath.Join("debian", "changelog")
}

// Identity names the committer embedded in a rewritten changelog footer.
type Identity struct {
	Name  string
	Email string
}

// Request carries everything the producer needs to build one suite's
// source package; RepoName, Commit, SuiteCodename, and SuiteVersion feed
// the derived version and changelog rewrite, CommitTimestamp/CommitDate
// feed SOURCE_DATE_EPOCH and the changelog footer date.
type Request struct {
	RepoName        string
	Commit          gitfacade.Commit
	SuiteCodename   string
	SuiteVersion    string
	ArchiveTarPath  string
	CommitTimestamp string
	CommitDate      string
	Committer       Identity
	Dev             bool
}

// Result describes the classified output of a successful source build.
type Result struct {
	ChangesPath string
	DscPath     string
	TarPaths    map[string]string // filename -> path
}

// Build extracts req.ArchiveTarPath into scratchDir/archive, rewrites the
// changelog, applies patches if present, and runs the source-only package
// build. scratchDir is the cache's "partial.source" staging directory;
// Build never renames it, that is SuiteCache.Build's job. It is meant to
// be passed directly as the produce callback to (*cache.Cache).Build.
func Build(ctx context.Context, req Request, scratchDir string) error {
	archiveDir := filepath.Join(scratchDir, "archive")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return xerrors.Errorf("sourcestage: mkdir %s: %w", archiveDir, err)
	}

	if err := procutil.Run(tarExtract(ctx, req.ArchiveTarPath, archiveDir)); err != nil {
		return xerrors.Errorf("sourcestage: extract archive: %w", err)
	}

	changelogPath := filepath.Join(archiveDir, changelogRelPath(req.RepoName))
	source, version, err := parseChangelog(changelogPath)
	if err != nil {
		return xerrors.Errorf("sourcestage: parse changelog: %w", err)
	}

	derivedVersion := deriveVersion(version, req.CommitTimestamp, req.SuiteVersion, req.Commit, req.Dev)

	if err := rewriteChangelog(changelogPath, source, derivedVersion, req.SuiteCodename, req.Committer, req.CommitDate); err != nil {
		return xerrors.Errorf("sourcestage: rewrite changelog: %w", err)
	}

	seriesPath := filepath.Join(archiveDir, "debian", "patches", "series")
	if _, statErr := os.Stat(seriesPath); statErr == nil {
		if err := procutil.Run(quiltPushAll(ctx, archiveDir)); err != nil {
			return xerrors.Errorf("sourcestage: apply patches: %w", err)
		}
	}

	if req.RepoName == LinuxRepoName {
		if err := procutil.Run(debianRulesClean(ctx, archiveDir)); err != nil {
			return xerrors.Errorf("sourcestage: debian/rules clean: %w", err)
		}
	}

	cmd := debuildSourceOnly(ctx, archiveDir, req.CommitTimestamp, req.Commit)
	if err := procutil.Run(cmd); err != nil {
		return xerrors.Errorf("sourcestage: source build: %w", err)
	}

	return nil
}

// Classify walks path (the published "source" cache entry) and sorts its
// contents by suffix. It requires exactly one .changes and one .dsc file;
// any other count is a caller-visible error so SourceStage can log and
// skip the suite per its "classify, then require exactly one" contract.
func Classify(path string) (Result, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return Result{}, xerrors.Errorf("sourcestage: readdir %s: %w", path, err)
	}

	res := Result{TarPaths: make(map[string]string)}
	var changesCount, dscCount int
	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(path, name)
		switch {
		case strings.HasSuffix(name, ".changes"):
			res.ChangesPath = full
			changesCount++
		case strings.HasSuffix(name, ".dsc"):
			res.DscPath = full
			dscCount++
		case strings.HasSuffix(name, ".tar.xz"):
			res.TarPaths[name] = full
		}
	}
	if changesCount != 1 {
		return Result{}, xerrors.Errorf("sourcestage: found %d .changes files in %s, want exactly 1", changesCount, path)
	}
	if dscCount != 1 {
		return Result{}, xerrors.Errorf("sourcestage: found %d .dsc files in %s, want exactly 1", dscCount, path)
	}
	return res, nil
}

func deriveVersion(changelogVersion, commitTimestamp, suiteVersion string, commit gitfacade.Commit, dev bool) string {
	short := string(commit)
	if len(short) > 7 {
		short = short[:7]
	}
	v := fmt.Sprintf("%s~%s~%s~%s", changelogVersion, commitTimestamp, suiteVersion, short)
	if dev {
		v += "~dev"
	}
	return v
}

func parseChangelog(path string) (source, version string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", xerrors.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", "", xerrors.Errorf("%s is empty", path)
	}
	header := scanner.Text()
	if err := scanner.Err(); err != nil {
		return "", "", xerrors.Errorf("scan %s: %w", path, err)
	}

	// "<source> (<version>) <suite>; urgency=<urgency>"
	openParen := strings.Index(header, " (")
	closeParen := strings.Index(header, ")")
	if openParen < 0 || closeParen < openParen {
		return "", "", xerrors.Errorf("malformed changelog header %q", header)
	}
	return header[:openParen], header[openParen+2 : closeParen], nil
}

// rewriteChangelog replaces the first header line (matched by its leading
// source name) with the derived-version header followed by a blank line
// and an "* Auto Build" entry, and the first footer line (matched by the
// " -- " prefix) with one naming committer and commitDate. Every other
// line passes through unchanged.
func rewriteChangelog(path, source, derivedVersion, suiteCodename string, committer Identity, commitDate string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Errorf("read %s: %w", path, err)
	}

	var out []string
	headerDone := false
	footerDone := false
	for _, line := range strings.Split(string(data), "\n") {
		if !headerDone && strings.HasPrefix(line, source) {
			out = append(out,
				fmt.Sprintf("%s (%s) %s; urgency=medium", source, derivedVersion, suiteCodename),
				"",
				"  * Auto Build",
			)
			headerDone = true
			continue
		}
		if !footerDone && strings.HasPrefix(line, " -- ") {
			out = append(out, fmt.Sprintf(" -- %s <%s>  %s", committer.Name, committer.Email, commitDate))
			footerDone = true
			continue
		}
		out = append(out, line)
	}
	if !headerDone {
		return xerrors.Errorf("changelog %s has no header line starting with %q", path, source)
	}
	if !footerDone {
		return xerrors.Errorf("changelog %s has no footer line starting with \" -- \"", path)
	}

	return os.WriteFile(path, []byte(strings.Join(out, "\n")), 0644)
}

// FindBuildLogs scans scratchDir (a failed build's "partial.source"
// residue) for *_source.build log files, the diagnostic evidence the
// orchestrator copies into the log cache on failure.
func FindBuildLogs(scratchDir string) ([]string, error) {
	var logs []string
	err := filepath.WalkDir(scratchDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), "_source.build") {
			logs = append(logs, p)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("sourcestage: scan %s for build logs: %w", scratchDir, err)
	}
	return logs, nil
}

func tarExtract(ctx context.Context, tarPath, destDir string) *exec.Cmd {
	return exec.CommandContext(ctx, "tar", "--extract", "-f", tarPath, "-C", destDir)
}

func quiltPushAll(ctx context.Context, dir string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "quilt", "push", "-a")
	cmd.Dir = dir
	return cmd
}

func debianRulesClean(ctx context.Context, dir string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "debian/rules", "clean")
	cmd.Dir = dir
	return cmd
}

func debuildSourceOnly(ctx context.Context, dir, commitTimestamp string, commit gitfacade.Commit) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "debuild",
		"--preserve-envvar", "PATH",
		"--set-envvar", "SOURCE_DATE_EPOCH="+commitTimestamp,
		"--set-envvar", "SOURCE_GIT_HASH="+string(commit),
		"--no-tgz-check",
		"-d",
		"-S",
	)
	cmd.Dir = dir
	return cmd
}
