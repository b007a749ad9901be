package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverReposRequiresDebianDir(t *testing.T) {
	root := t.TempDir()
	mustMkdirAll(t, filepath.Join(root, "alpha", "debian"))
	mustMkdirAll(t, filepath.Join(root, "linux", "debian.master"))
	mustMkdirAll(t, filepath.Join(root, "not-a-package"))
	if err := os.WriteFile(filepath.Join(root, "a-file"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	repos, err := discoverRepos(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 2 {
		t.Fatalf("discoverRepos = %v, want 2 entries", repos)
	}
	if repos[0].name != "alpha" || repos[1].name != "linux" {
		t.Errorf("discoverRepos names = %q, %q, want alpha, linux (sorted)", repos[0].name, repos[1].name)
	}
}

func TestParseDscArchitecture(t *testing.T) {
	contents := "Source: alpha\nVersion: 1.0\nArchitecture: any\nStandards-Version: 4.5.0\n"
	if got := parseDscArchitecture(contents); got != "any" {
		t.Errorf("parseDscArchitecture = %q, want any", got)
	}
}

func TestParseDscArchitectureMissingField(t *testing.T) {
	if got := parseDscArchitecture("Source: alpha\nVersion: 1.0\n"); got != "" {
		t.Errorf("parseDscArchitecture = %q, want empty", got)
	}
}

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatal(err)
	}
}
