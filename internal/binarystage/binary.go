// Package binarystage builds the architecture-specific binary packages
// for one (commit, suite): it matches the suite's configured
// architectures against the .dsc's Architecture field, runs the
// sandboxed builder for each match, and for arm64 optionally routes the
// build to a remote builder over SSH.
package binarystage

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/xerrors"

	"github.com/pop-os/pop-ci/internal/catalog"
)

// armRsyncMutex serializes the rsync-to-builder phase of any concurrent
// arm64/armhf builds, since they share one source directory on the
// remote ARM builder. It does not cover the remote build itself, which
// runs unguarded once its source tree is in place.
var armRsyncMutex sync.Mutex

// RemoteBuilder holds the configuration for routing an architecture's
// build to a remote machine over SSH instead of running it locally. Addr
// is a bare host; SSH connects on port 22 and rsync goes over its own
// ssh transport using the same host.
type RemoteBuilder struct {
	Addr       string
	ClientConf *ssh.ClientConfig
	RemoteDir  string // scratch directory for the source tree on the remote
}

// hostSpec renders the "user@host" form rsync needs, falling back to the
// bare host when no SSH user is configured.
func (r *RemoteBuilder) hostSpec() string {
	if r.ClientConf != nil && r.ClientConf.User != "" {
		return r.ClientConf.User + "@" + r.Addr
	}
	return r.Addr
}

// Request carries everything a single architecture's producer needs.
type Request struct {
	Arch           catalog.Arch
	SuiteCodename  string
	DscPath        string
	SigningKeyPath string
	ReleaseURL     string
	StagingURL     string
	Remote         *RemoteBuilder // nil means build locally
}

// buildScript renders the sbuild invocation described by the suite's
// RepoInfo: chroot-based builder, arch/dist flags, extra repositories for
// updates and security pockets plus the release and staging URLs, and the
// configured signing key. dscRef is the .dsc argument sbuild is given: an
// absolute path when the build runs locally (its cwd is the per-arch
// staging directory, not the source directory the .dsc lives in), or a
// basename when the build runs on a remote builder whose cwd mirrors the
// rsynced source directory itself.
func buildScript(req Request, dscRef string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#!/bin/sh\nset -e\n")
	fmt.Fprintf(&b, "sbuild \\\n")
	if req.Arch.BuildAll() {
		b.WriteString("  --arch-all \\\n")
	} else {
		b.WriteString("  --no-arch-all \\\n")
	}
	fmt.Fprintf(&b, "  --arch=%s \\\n", req.Arch)
	fmt.Fprintf(&b, "  --dist=%s \\\n", req.SuiteCodename)
	for _, pocket := range []string{"updates", "security"} {
		fmt.Fprintf(&b, "  --extra-repository=\"deb %s %s-%s main restricted universe multiverse\" \\\n",
			req.Arch.MirrorURL(req.SuiteCodename), req.SuiteCodename, pocket)
		fmt.Fprintf(&b, "  --extra-repository=\"deb-src %s %s-%s main restricted universe multiverse\" \\\n",
			req.Arch.MirrorURL(req.SuiteCodename), req.SuiteCodename, pocket)
	}
	fmt.Fprintf(&b, "  --extra-repository=\"deb %s %s main\" \\\n", req.ReleaseURL, req.SuiteCodename)
	fmt.Fprintf(&b, "  --extra-repository=\"deb %s %s main\" \\\n", req.StagingURL, req.SuiteCodename)
	fmt.Fprintf(&b, "  --extra-repository-key=%s \\\n", req.SigningKeyPath)
	b.WriteString("  --no-apt-distupgrade \\\n")
	b.WriteString("  --no-run-autopkgtest \\\n")
	b.WriteString("  --no-run-lintian \\\n")
	b.WriteString("  --no-run-piuparts \\\n")
	fmt.Fprintf(&b, "  %s\n", dscRef)
	return b.String()
}

// Build is the producer passed to SuiteCache.BuildParallel for one
// architecture: it writes the build script, then either runs it locally
// or routes it to the configured remote ARM builder.
func Build(ctx context.Context, req Request, outDir string) error {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return xerrors.Errorf("binarystage: mkdir %s: %w", outDir, err)
	}

	sourceDir := filepath.Dir(req.DscPath)

	if req.Remote != nil {
		return buildRemote(ctx, req, sourceDir, outDir)
	}

	// Locally, sbuild's cwd is the per-arch staging directory (outDir),
	// distinct from sourceDir where the .dsc and its tarballs live, so the
	// .dsc must be referenced by its full path.
	script := buildScript(req, req.DscPath)
	scriptPath := filepath.Join(outDir, "build.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		return xerrors.Errorf("binarystage: write build script: %w", err)
	}
	return buildLocal(ctx, scriptPath, outDir)
}

func buildLocal(ctx context.Context, scriptPath, outDir string) error {
	cmd := exec.CommandContext(ctx, "sh", scriptPath)
	cmd.Dir = outDir
	out, err := cmd.CombinedOutput()
	if err := os.WriteFile(filepath.Join(outDir, "build.log"), out, 0644); err != nil {
		return xerrors.Errorf("binarystage: write build log: %w", err)
	}
	if err != nil {
		return xerrors.Errorf("binarystage: local build: %w (%s)", err, bytes.TrimSpace(out))
	}
	return nil
}

// buildRemote writes the build script into sourceDir itself, so that
// rsyncTo (under the ARM-rsync mutex, since amd64 and armhf share the
// same remote source directory) carries it across alongside the .dsc and
// its tarballs; on the remote host, the build runs with its cwd set to
// the rsynced copy of sourceDir, so the .dsc is referenced there by
// basename. It then rsyncs the binary output back. The return rsync is
// attempted even when the remote build failed, so partial logs are still
// retrievable; the original build error is what gets propagated.
func buildRemote(ctx context.Context, req Request, sourceDir, outDir string) error {
	remote := req.Remote

	scriptName := fmt.Sprintf("build-%s.sh", req.Arch)
	script := buildScript(req, filepath.Base(req.DscPath))
	scriptPath := filepath.Join(sourceDir, scriptName)
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		return xerrors.Errorf("binarystage: write build script: %w", err)
	}

	armRsyncMutex.Lock()
	rsyncErr := rsyncTo(ctx, sourceDir, remote)
	armRsyncMutex.Unlock()
	if rsyncErr != nil {
		return xerrors.Errorf("binarystage: rsync to remote builder: %w", rsyncErr)
	}

	buildErr := runRemoteScript(ctx, remote, scriptName)

	// Best-effort: always try to retrieve whatever was produced, even on
	// failure, so logs survive; the original build error wins.
	if err := rsyncFrom(ctx, remote, outDir); err != nil && buildErr == nil {
		return xerrors.Errorf("binarystage: rsync from remote builder: %w", err)
	}

	if buildErr != nil {
		return xerrors.Errorf("binarystage: remote build on %s: %w", remote.Addr, buildErr)
	}
	return nil
}

func rsyncTo(ctx context.Context, sourceDir string, remote *RemoteBuilder) error {
	dest := remote.hostSpec() + ":" + remote.RemoteDir + "/"
	cmd := exec.CommandContext(ctx, "rsync", "-a", "--delete", sourceDir+"/", dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return xerrors.Errorf("rsync %s -> %s: %w (%s)", sourceDir, dest, err, bytes.TrimSpace(out))
	}
	return nil
}

func rsyncFrom(ctx context.Context, remote *RemoteBuilder, outDir string) error {
	src := remote.hostSpec() + ":" + remote.RemoteDir + "/"
	cmd := exec.CommandContext(ctx, "rsync", "-a", src, outDir+"/")
	if out, err := cmd.CombinedOutput(); err != nil {
		return xerrors.Errorf("rsync %s -> %s: %w (%s)", src, outDir, err, bytes.TrimSpace(out))
	}
	return nil
}

// runRemoteScript dials the configured remote builder over SSH, uploads
// nothing further (the script already landed via rsyncTo alongside the
// source tree), and runs it with its cwd set to RemoteDir, the rsynced
// mirror of the local source directory, so sbuild finds the .dsc it was
// given by basename. Using golang.org/x/crypto/ssh here in place of
// shelling to the ssh binary keeps the session and its exit status under
// direct Go control.
func runRemoteScript(ctx context.Context, remote *RemoteBuilder, scriptName string) error {
	client, err := sshDial(ctx, remote)
	if err != nil {
		return xerrors.Errorf("dial %s: %w", remote.Addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return xerrors.Errorf("new session on %s: %w", remote.Addr, err)
	}
	defer session.Close()

	var combined bytes.Buffer
	session.Stdout = &combined
	session.Stderr = &combined

	cmd := fmt.Sprintf("cd %s && sh %s", remote.RemoteDir, scriptName)
	if err := session.Run(cmd); err != nil {
		return xerrors.Errorf("run %q on %s: %w (%s)", cmd, remote.Addr, err, bytes.TrimSpace(combined.Bytes()))
	}
	return nil
}

func sshDial(ctx context.Context, remote *RemoteBuilder) (*ssh.Client, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", remote.Addr+":22")
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, remote.Addr, remote.ClientConf)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// EnsureChroot creates the sbuild chroot for arch/suite if it does not
// already exist. Existence is probed with "schroot -l"; creation shells
// to sbuild-createchroot against the architecture's mirror. Remote
// chroots are the remote operator's responsibility, so a non-nil remote
// is a no-op here.
func EnsureChroot(ctx context.Context, arch catalog.Arch, suiteCodename string, remote *RemoteBuilder) error {
	if remote != nil {
		return nil
	}

	chrootName := fmt.Sprintf("%s-%s-sbuild", suiteCodename, arch)
	out, err := exec.CommandContext(ctx, "schroot", "-l").Output()
	if err != nil {
		return xerrors.Errorf("binarystage: schroot -l: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimPrefix(line, "chroot:") == chrootName {
			return nil
		}
	}

	create := exec.CommandContext(ctx, "sbuild-createchroot",
		"--arch="+string(arch),
		suiteCodename,
		filepath.Join("/srv/chroot", chrootName),
		arch.MirrorURL(suiteCodename),
	)
	if out, err := create.CombinedOutput(); err != nil {
		return xerrors.Errorf("binarystage: sbuild-createchroot %s: %w (%s)", chrootName, err, bytes.TrimSpace(out))
	}
	return nil
}

// UpdateChroot runs "sbuild-update -udcar" for arch/suite's chroot,
// matching the --sbuild-update CLI flag's "update chroots before
// building" step. remote routes the update to the ARM builder over SSH
// instead of running it locally, the same way Build does.
func UpdateChroot(ctx context.Context, arch catalog.Arch, suiteCodename string, remote *RemoteBuilder) error {
	args := []string{"-udcar", fmt.Sprintf("%s-%s", suiteCodename, arch)}
	if remote == nil {
		cmd := exec.CommandContext(ctx, "sbuild-update", args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return xerrors.Errorf("binarystage: sbuild-update %s/%s: %w (%s)", suiteCodename, arch, err, bytes.TrimSpace(out))
		}
		return nil
	}

	client, err := sshDial(ctx, remote)
	if err != nil {
		return xerrors.Errorf("binarystage: dial %s for sbuild-update: %w", remote.Addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return xerrors.Errorf("binarystage: new session on %s for sbuild-update: %w", remote.Addr, err)
	}
	defer session.Close()

	var combined bytes.Buffer
	session.Stdout = &combined
	session.Stderr = &combined

	cmd := "sbuild-update " + strings.Join(args, " ")
	if err := session.Run(cmd); err != nil {
		return xerrors.Errorf("binarystage: run %q on %s: %w (%s)", cmd, remote.Addr, err, bytes.TrimSpace(combined.Bytes()))
	}
	return nil
}

// CollectDebs walks a successful architecture output directory and
// returns every *.deb filename mapped to its path, ready to merge into
// the suite's Package.Debs map.
func CollectDebs(outDir string) (map[string]string, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, xerrors.Errorf("binarystage: readdir %s: %w", outDir, err)
	}
	debs := make(map[string]string)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".deb") {
			debs[e.Name()] = filepath.Join(outDir, e.Name())
		}
	}
	return debs, nil
}

// FindBuildLogs scans a failed architecture's "partial.<arch>" residue
// for *_<arch>.build log files.
func FindBuildLogs(scratchDir string, arch catalog.Arch) ([]string, error) {
	suffix := "_" + string(arch) + ".build"
	var logs []string
	err := filepath.WalkDir(scratchDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			logs = append(logs, p)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("binarystage: scan %s for build logs: %w", scratchDir, err)
	}
	return logs, nil
}
