// Package publisher assembles the pool and dists layout for one pocket's
// apt archive out of the packages the orchestrator built, then optionally
// uploads source changes to a PPA and rsyncs the tree to a remote mirror.
package publisher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"

	"github.com/pop-os/pop-ci/internal/cache"
	"github.com/pop-os/pop-ci/internal/catalog"
)

// Signer names the GPG identity used to sign dists Release payloads.
type Signer struct {
	Email string
}

// PoolEntry is one (repo, commit) worth of files to copy into the pool.
type PoolEntry struct {
	Dscs map[string]string
	Tars map[string]string
	Debs map[string]string
}

// BuildPool realizes pool/<suite>/<repo>/<commit>/ by copying every file
// named in entry. It is meant to be passed as the producer to
// (*cache.Cache).Build keyed on the commit id.
func BuildPool(entry PoolEntry, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return xerrors.Errorf("publisher: mkdir %s: %w", destDir, err)
	}
	for _, files := range []map[string]string{entry.Dscs, entry.Tars, entry.Debs} {
		for name, src := range files {
			if err := copyFile(src, filepath.Join(destDir, name)); err != nil {
				return xerrors.Errorf("publisher: copy %s: %w", name, err)
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// DistsRequest carries everything needed to rebuild dists/<suite>/ for one
// pocket.
type DistsRequest struct {
	PocketName    string
	Suite         catalog.Suite
	Archs         []catalog.Arch
	PoolRelative  string // e.g. "pool/focal", relative to the pocket root
	PocketRootDir string // apt/<pocket>, the cwd apt-ftparchive runs from
	Signer        Signer
}

// BuildDists assembles dists/<suite>/ at destDir: per-component Sources
// and Packages indices via apt-ftparchive, gzip side-files produced
// in-process with pgzip, a top-level Release assembled by
// "apt-ftparchive release", and clearsigned/detached-signed copies of it.
func BuildDists(ctx context.Context, req DistsRequest, destDir string) error {
	mainDir := filepath.Join(destDir, "main")
	if err := os.MkdirAll(mainDir, 0755); err != nil {
		return xerrors.Errorf("publisher: mkdir %s: %w", mainDir, err)
	}

	if err := buildSourcesIndex(ctx, req, mainDir); err != nil {
		return err
	}

	archsString, err := buildBinaryIndices(ctx, req, mainDir)
	if err != nil {
		return err
	}

	if err := buildTopLevelRelease(ctx, req, destDir, archsString); err != nil {
		return err
	}

	return signRelease(ctx, req.Signer, destDir)
}

func buildSourcesIndex(ctx context.Context, req DistsRequest, mainDir string) error {
	sourceDir := filepath.Join(mainDir, "source")
	if err := os.MkdirAll(sourceDir, 0755); err != nil {
		return xerrors.Errorf("publisher: mkdir %s: %w", sourceDir, err)
	}

	cmd := exec.CommandContext(ctx, "apt-ftparchive", "-qq", "sources", req.PoolRelative)
	cmd.Dir = req.PocketRootDir
	out, err := cmd.Output()
	if err != nil {
		return xerrors.Errorf("publisher: apt-ftparchive sources: %w", err)
	}

	sourcesFile := filepath.Join(sourceDir, "Sources")
	if err := os.WriteFile(sourcesFile, out, 0644); err != nil {
		return xerrors.Errorf("publisher: write Sources: %w", err)
	}
	if err := gzipFile(sourcesFile, sourcesFile+".gz"); err != nil {
		return err
	}

	release := componentRelease(req, "source")
	return os.WriteFile(filepath.Join(sourceDir, "Release"), []byte(release), 0644)
}

func buildBinaryIndices(ctx context.Context, req DistsRequest, mainDir string) (string, error) {
	var archsString strings.Builder
	for _, arch := range req.Archs {
		binaryDir := filepath.Join(mainDir, "binary-"+string(arch))
		if err := os.MkdirAll(binaryDir, 0755); err != nil {
			return "", xerrors.Errorf("publisher: mkdir %s: %w", binaryDir, err)
		}

		cmd := exec.CommandContext(ctx, "apt-ftparchive", "-qq", "--arch", string(arch), "packages", req.PoolRelative)
		cmd.Dir = req.PocketRootDir
		out, err := cmd.Output()
		if err != nil {
			return "", xerrors.Errorf("publisher: apt-ftparchive packages %s: %w", arch, err)
		}

		packagesFile := filepath.Join(binaryDir, "Packages")
		if err := os.WriteFile(packagesFile, out, 0644); err != nil {
			return "", xerrors.Errorf("publisher: write Packages: %w", err)
		}
		if err := gzipFile(packagesFile, packagesFile+".gz"); err != nil {
			return "", err
		}

		release := componentRelease(req, string(arch))
		if err := os.WriteFile(filepath.Join(binaryDir, "Release"), []byte(release), 0644); err != nil {
			return "", xerrors.Errorf("publisher: write binary Release: %w", err)
		}

		if archsString.Len() > 0 {
			archsString.WriteByte(' ')
		}
		archsString.WriteString(string(arch))
	}
	return archsString.String(), nil
}

func componentRelease(req DistsRequest, architecture string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Archive: %s\n", req.Suite.Codename)
	fmt.Fprintf(&b, "Version: %s\n", req.Suite.Version)
	fmt.Fprintf(&b, "Component: main\n")
	fmt.Fprintf(&b, "Origin: pop-os-staging-%s\n", req.PocketName)
	fmt.Fprintf(&b, "Label: Pop!_OS Staging %s\n", req.PocketName)
	fmt.Fprintf(&b, "Architecture: %s\n", architecture)
	return b.String()
}

func buildTopLevelRelease(ctx context.Context, req DistsRequest, destDir, archsString string) error {
	description := fmt.Sprintf("Pop!_OS Staging %s %s %s", req.Suite.Codename, req.Suite.Version, req.PocketName)
	args := []string{
		"-o", "APT::FTPArchive::Release::Origin=pop-os-staging-" + req.PocketName,
		"-o", "APT::FTPArchive::Release::Label=Pop!_OS Staging " + req.PocketName,
		"-o", "APT::FTPArchive::Release::Suite=" + req.Suite.Codename,
		"-o", "APT::FTPArchive::Release::Version=" + req.Suite.Version,
		"-o", "APT::FTPArchive::Release::Codename=" + req.Suite.Codename,
		"-o", "APT::FTPArchive::Release::Architectures=" + archsString,
		"-o", "APT::FTPArchive::Release::Components=main",
		"-o", "APT::FTPArchive::Release::Description=" + description,
		"release", ".",
	}
	cmd := exec.CommandContext(ctx, "apt-ftparchive", args...)
	cmd.Dir = destDir
	out, err := cmd.Output()
	if err != nil {
		return xerrors.Errorf("publisher: apt-ftparchive release: %w", err)
	}

	// renameio guarantees a concurrent reader of dists/<suite>/Release
	// never observes a partially written file, even though the containing
	// directory only becomes visible at all via the cache's own
	// partial-staging rename.
	return renameio.WriteFile(filepath.Join(destDir, "Release"), out, 0644)
}

// signRelease produces the clearsigned InRelease and detached Release.gpg
// signatures from the Release file already written at destDir, both under
// signer's identity with a sha512 digest.
func signRelease(ctx context.Context, signer Signer, destDir string) error {
	releasePath := filepath.Join(destDir, "Release")

	clearsign := exec.CommandContext(ctx, "gpg",
		"--clearsign",
		"--local-user", signer.Email,
		"--batch", "--yes",
		"--digest-algo", "sha512",
		"-o", filepath.Join(destDir, "InRelease"),
		releasePath,
	)
	if out, err := clearsign.CombinedOutput(); err != nil {
		return xerrors.Errorf("publisher: gpg --clearsign: %w (%s)", err, bytes.TrimSpace(out))
	}

	detached := exec.CommandContext(ctx, "gpg",
		"-abs",
		"--local-user", signer.Email,
		"--batch", "--yes",
		"--digest-algo", "sha512",
		"-o", filepath.Join(destDir, "Release.gpg"),
		releasePath,
	)
	if out, err := detached.CombinedOutput(); err != nil {
		return xerrors.Errorf("publisher: gpg -abs: %w (%s)", err, bytes.TrimSpace(out))
	}

	return nil
}

func gzipFile(srcPath, destPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return xerrors.Errorf("publisher: open %s: %w", srcPath, err)
	}
	defer in.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return xerrors.Errorf("publisher: create %s: %w", destPath, err)
	}
	defer out.Close()

	gz := pgzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		return xerrors.Errorf("publisher: gzip %s: %w", srcPath, err)
	}
	return gz.Close()
}

// Upload invokes the PPA upload tool for every .changes file in
// changesPaths that lacks a matching .ppa.upload sibling,
// recording one on success so a future run does not re-upload.
func Upload(ctx context.Context, uploadTarget string, changesPaths []string) error {
	for _, changesPath := range changesPaths {
		marker := strings.TrimSuffix(changesPath, ".changes") + ".ppa.upload"
		if _, err := os.Stat(marker); err == nil {
			continue
		}
		cmd := exec.CommandContext(ctx, "dput", uploadTarget, changesPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return xerrors.Errorf("publisher: dput %s: %w (%s)", changesPath, err, bytes.TrimSpace(out))
		}
		if err := os.WriteFile(marker, []byte("uploaded\n"), 0644); err != nil {
			return xerrors.Errorf("publisher: write upload marker for %s: %w", changesPath, err)
		}
	}
	return nil
}

// Publish rsyncs localAptDir to remoteBase in two passes: package data
// first (without deletion), release/index data second (with deletion).
// Clients can never observe a release file that references a package not
// yet present.
func Publish(ctx context.Context, localAptDir, remoteBase string) error {
	packagesPass := exec.CommandContext(ctx, "rsync", "-a",
		"--exclude=Packages*", "--exclude=Sources*", "--exclude=Release*", "--exclude=InRelease",
		localAptDir+"/", remoteBase+"/")
	if out, err := packagesPass.CombinedOutput(); err != nil {
		return xerrors.Errorf("publisher: publish packages pass: %w (%s)", err, bytes.TrimSpace(out))
	}

	releasePass := exec.CommandContext(ctx, "rsync", "-a", "--delete", "--delete-after",
		localAptDir+"/", remoteBase+"/")
	if out, err := releasePass.CombinedOutput(); err != nil {
		return xerrors.Errorf("publisher: publish release pass: %w (%s)", err, bytes.TrimSpace(out))
	}
	return nil
}

// RetainSuites builds a cache.RetainFunc that keeps exactly the suite
// directory names present in suites, used when opening the pool/dists
// caches so stale suites are pruned on open.
func RetainSuites(suites []catalog.Suite) cache.RetainFunc {
	names := make(map[string]bool, len(suites))
	for _, s := range suites {
		names[s.Codename] = true
	}
	return func(name string) bool { return names[name] }
}
