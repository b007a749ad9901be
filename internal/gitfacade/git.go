// Package gitfacade is the thin contract the orchestration core uses to
// talk to a git checkout: list remote branch heads, fetch, export a commit
// as a tarball, and read a couple of pieces of commit metadata. Every
// operation shells out to the git binary.
package gitfacade

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"
)

// Commit is an opaque short commit id; identity is string equality.
type Commit string

// Branch is a remote branch name with the remote prefix already stripped.
type Branch string

// Remote is the name of a git remote, e.g. "origin".
type Remote string

// Origin is the conventional remote name used by Repo callers that do not
// track more than one remote.
const Origin Remote = "origin"

// Head is one (branch, commit) pair returned by Heads.
type Head struct {
	Branch Branch
	Commit Commit
}

// Repo wraps a local git checkout.
type Repo struct {
	dir string
}

// Open canonicalizes dir and returns a Repo rooted there. It does not
// verify dir is actually a git checkout; the first git invocation will
// fail with git's own diagnostic if it is not.
func Open(dir string) (*Repo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, xerrors.Errorf("gitfacade: %w", err)
	}
	return &Repo{dir: abs}, nil
}

// Path returns the checkout's canonical directory.
func (r *Repo) Path() string {
	return r.dir
}

func (r *Repo) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-C", r.dir}, args...)
	return exec.CommandContext(ctx, "git", full...)
}

// Fetch prunes and quietly fetches remote. It is the synchronous building
// block the orchestrator's parallel-fetch driver runs one-per-repository
// inside an errgroup.
func (r *Repo) Fetch(ctx context.Context, remote Remote) error {
	cmd := r.command(ctx, "fetch", "--prune", "--quiet", "--", string(remote))
	if out, err := cmd.CombinedOutput(); err != nil {
		return xerrors.Errorf("gitfacade: fetch %s: %w (%s)", remote, err, bytes.TrimSpace(out))
	}
	return nil
}

// Heads enumerates refs/remotes/<remote>/* heads, dropping HEAD and any
// branch name containing a slash (per the data model's BranchRef
// invariant).
func (r *Repo) Heads(ctx context.Context, remote Remote) ([]Head, error) {
	if strings.Contains(string(remote), "/") {
		return nil, xerrors.Errorf("gitfacade: remote name %q must not contain '/'", remote)
	}
	prefix := "refs/remotes/" + string(remote) + "/"

	cmd := r.command(ctx, "for-each-ref",
		"--format=%(objectname:short)\t%(refname)",
		"--", prefix)
	out, err := cmd.Output()
	if err != nil {
		return nil, xerrors.Errorf("gitfacade: for-each-ref: %w", err)
	}

	var heads []Head
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			return nil, xerrors.Errorf("gitfacade: malformed for-each-ref line %q", line)
		}
		commit, ref := parts[0], parts[1]
		branch := strings.TrimPrefix(ref, prefix)
		if branch == ref {
			return nil, xerrors.Errorf("gitfacade: ref %q did not carry prefix %q", ref, prefix)
		}
		if branch == "HEAD" {
			continue
		}
		if strings.Contains(branch, "/") {
			continue
		}
		heads = append(heads, Head{Branch: Branch(branch), Commit: Commit(commit)})
	}
	return heads, nil
}

// Archive writes a tar archive of commit's tree to outPath.
func (r *Repo) Archive(ctx context.Context, commit Commit, outPath string) error {
	cmd := r.command(ctx, "archive", "-o", outPath, "--", string(commit))
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outPath)
		return xerrors.Errorf("gitfacade: archive %s: %w (%s)", commit, err, bytes.TrimSpace(out))
	}
	return nil
}

// FileExists reports whether path exists in commit's tree.
func (r *Repo) FileExists(ctx context.Context, commit Commit, path string) (bool, error) {
	cmd := r.command(ctx, "cat-file", "-e", string(commit)+":"+path)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, xerrors.Errorf("gitfacade: cat-file -e %s:%s: %w", commit, path, err)
}

// CommitTimestamp returns the committer timestamp as an integer-seconds
// string, suitable for embedding in a derived package version and for
// SOURCE_DATE_EPOCH.
func (r *Repo) CommitTimestamp(ctx context.Context, commit Commit) (string, error) {
	out, err := r.command(ctx, "log", "-1", "--pretty=format:%ct", string(commit)).Output()
	if err != nil {
		return "", xerrors.Errorf("gitfacade: commit timestamp %s: %w", commit, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CommitDate returns the committer date in RFC 2822 form, as used in a
// Debian changelog footer.
func (r *Repo) CommitDate(ctx context.Context, commit Commit) (string, error) {
	out, err := r.command(ctx, "log", "-1", "--pretty=format:%cD", string(commit)).Output()
	if err != nil {
		return "", xerrors.Errorf("gitfacade: commit date %s: %w", commit, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CommitterIdentity returns commit's committer name and email, as embedded
// in a Debian changelog footer's "-- Name <email>  Date" line.
func (r *Repo) CommitterIdentity(ctx context.Context, commit Commit) (name, email string, err error) {
	out, err := r.command(ctx, "log", "-1", "--pretty=format:%cn\t%ce", string(commit)).Output()
	if err != nil {
		return "", "", xerrors.Errorf("gitfacade: committer identity %s: %w", commit, err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), "\t", 2)
	if len(parts) != 2 {
		return "", "", xerrors.Errorf("gitfacade: malformed committer identity output %q", out)
	}
	return parts[0], parts[1], nil
}
