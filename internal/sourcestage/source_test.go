package sourcestage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pop-os/pop-ci/internal/gitfacade"
)

func TestChangelogRelPathLinuxSpecialCase(t *testing.T) {
	if got := changelogRelPath(LinuxRepoName); got != filepath.Join("debian.master", "changelog") {
		t.Errorf("changelogRelPath(linux) = %q, want debian.master/changelog", got)
	}
	if got := changelogRelPath("alpha"); got != filepath.Join("debian", "changelog") {
		t.Errorf("changelogRelPath(alpha) = %q, want debian/changelog", got)
	}
}

func TestParseChangelogExtractsSourceAndVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "changelog")
	content := "alpha (1.2.3-1) unstable; urgency=medium\n\n  * Initial release\n\n -- Some Dev <dev@example.com>  Mon, 01 Jan 2024 00:00:00 +0000\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	source, version, err := parseChangelog(path)
	if err != nil {
		t.Fatal(err)
	}
	if source != "alpha" {
		t.Errorf("source = %q, want alpha", source)
	}
	if version != "1.2.3-1" {
		t.Errorf("version = %q, want 1.2.3-1", version)
	}
}

func TestDeriveVersionFormat(t *testing.T) {
	got := deriveVersion("1.2.3-1", "1700000000", "20.04", gitfacade.Commit("c0ffee1234567890"), false)
	want := "1.2.3-1~1700000000~20.04~c0ffee1"
	if got != want {
		t.Errorf("deriveVersion = %q, want %q", got, want)
	}

	dev := deriveVersion("1.2.3-1", "1700000000", "20.04", gitfacade.Commit("c0ffee1234567890"), true)
	if dev != want+"~dev" {
		t.Errorf("deriveVersion (dev) = %q, want %q", dev, want+"~dev")
	}
}

func TestRewriteChangelogReplacesHeaderAndFooter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "changelog")
	original := "alpha (1.2.3-1) unstable; urgency=medium\n\n  * Initial release\n\n -- Old Dev <old@example.com>  Mon, 01 Jan 2024 00:00:00 +0000\n"
	if err := os.WriteFile(path, []byte(original), 0644); err != nil {
		t.Fatal(err)
	}

	err := rewriteChangelog(path, "alpha", "1.2.3-1~1700000000~20.04~c0ffee1", "focal",
		Identity{Name: "CI Builder", Email: "ci@example.com"}, "Tue, 02 Jan 2024 00:00:00 +0000")
	if err != nil {
		t.Fatal(err)
	}

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := string(out)
	wantHeader := "alpha (1.2.3-1~1700000000~20.04~c0ffee1) focal; urgency=medium"
	wantFooter := " -- CI Builder <ci@example.com>  Tue, 02 Jan 2024 00:00:00 +0000"
	if !strings.Contains(got, wantHeader) {
		t.Errorf("rewritten changelog missing header %q:\n%s", wantHeader, got)
	}
	if !strings.Contains(got, wantFooter) {
		t.Errorf("rewritten changelog missing footer %q:\n%s", wantFooter, got)
	}
	if !strings.Contains(got, wantHeader+"\n\n  * Auto Build") {
		t.Error("rewritten header must be followed by a blank line and the Auto Build entry")
	}
	if !strings.Contains(got, "* Initial release") {
		t.Error("rewriteChangelog must pass through unrelated lines unchanged")
	}
}

func TestClassifyRequiresExactlyOneChangesAndDsc(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"alpha_1.0_source.changes", "alpha_1.0.dsc", "alpha_1.0.tar.xz"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := Classify(dir)
	if err != nil {
		t.Fatal(err)
	}
	if res.ChangesPath == "" || res.DscPath == "" {
		t.Fatal("Classify did not populate ChangesPath/DscPath")
	}
	if len(res.TarPaths) != 1 {
		t.Errorf("len(TarPaths) = %d, want 1", len(res.TarPaths))
	}
}

func TestClassifyRejectsMultipleChanges(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a_1.0_source.changes", "b_1.0_source.changes", "a_1.0.dsc"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := Classify(dir); err == nil {
		t.Fatal("Classify with two .changes files should have failed")
	}
}

func TestFindBuildLogsMatchesSuffix(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "alpha_source.build"), []byte("log"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	logs, err := FindBuildLogs(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("FindBuildLogs = %v, want exactly 1 match", logs)
	}
}

func TestFindBuildLogsMissingDirIsNotAnError(t *testing.T) {
	logs, err := FindBuildLogs(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Errorf("logs = %v, want none", logs)
	}
}
