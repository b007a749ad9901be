package publisher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/pgzip"

	"github.com/pop-os/pop-ci/internal/catalog"
)

func TestBuildPoolCopiesAllFileGroups(t *testing.T) {
	src := t.TempDir()
	dsc := filepath.Join(src, "alpha_1.0.dsc")
	tar := filepath.Join(src, "alpha_1.0.tar.xz")
	deb := filepath.Join(src, "alpha_1.0_amd64.deb")
	for _, p := range []string{dsc, tar, deb} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	dest := filepath.Join(t.TempDir(), "c0ffee1")
	entry := PoolEntry{
		Dscs: map[string]string{"alpha_1.0.dsc": dsc},
		Tars: map[string]string{"alpha_1.0.tar.xz": tar},
		Debs: map[string]string{"alpha_1.0_amd64.deb": deb},
	}
	if err := BuildPool(entry, dest); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"alpha_1.0.dsc", "alpha_1.0.tar.xz", "alpha_1.0_amd64.deb"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("expected %s in pool dest: %v", name, err)
		}
	}
}

func TestComponentReleaseFields(t *testing.T) {
	req := DistsRequest{
		PocketName: "master",
		Suite:      catalog.Suite{Codename: "focal", Version: "20.04"},
	}
	got := componentRelease(req, "amd64")
	want := "Archive: focal\nVersion: 20.04\nComponent: main\nOrigin: pop-os-staging-master\nLabel: Pop!_OS Staging master\nArchitecture: amd64\n"
	if got != want {
		t.Errorf("componentRelease = %q, want %q", got, want)
	}
}

func TestGzipFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "Sources")
	content := []byte("Package: alpha\nVersion: 1.0\n")
	if err := os.WriteFile(src, content, 0644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "Sources.gz")
	if err := gzipFile(src, dest); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	buf := make([]byte, len(content))
	if _, err := r.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != string(content) {
		t.Errorf("decompressed = %q, want %q", buf, content)
	}
}

func TestUploadSkipsAlreadyUploadedChanges(t *testing.T) {
	dir := t.TempDir()
	changes := filepath.Join(dir, "alpha_1.0_source.changes")
	if err := os.WriteFile(changes, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(dir, "alpha_1.0_source.ppa.upload")
	if err := os.WriteFile(marker, []byte("uploaded\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// With the marker already present, Upload must not invoke dput at all,
	// so this succeeds even though "dput" is not expected to exist/behave
	// here: the loop body never reaches exec.CommandContext.
	if err := Upload(context.Background(), "ppa:system76/proposed", []string{changes}); err != nil {
		t.Fatalf("Upload should have skipped the already-uploaded changes file, got: %v", err)
	}
}

func TestRetainSuitesKeepsOnlyNamedCodenames(t *testing.T) {
	retain := RetainSuites([]catalog.Suite{
		{Codename: "focal"},
		{Codename: "jammy"},
	})
	if !retain("focal") || !retain("jammy") {
		t.Error("RetainSuites should retain configured codenames")
	}
	if retain("bionic") {
		t.Error("RetainSuites should not retain an unconfigured codename")
	}
}
