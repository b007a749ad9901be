package branchresolver

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pop-os/pop-ci/internal/catalog"
	"github.com/pop-os/pop-ci/internal/gitfacade"
)

func TestResolveExplicitPatternBranch(t *testing.T) {
	heads := []gitfacade.Head{
		{Branch: "master_focal_jammy", Commit: "c0ffee1"},
	}
	pockets := Resolve("somerepo", heads, false)

	focal, _ := catalog.SuiteByCodename("focal")
	jammy, _ := catalog.SuiteByCodename("jammy")
	bionic, _ := catalog.SuiteByCodename("bionic")

	if got, ok := pockets[Key{Pocket: "master", Suite: focal}]; !ok || got != "c0ffee1" {
		t.Errorf("master/focal = %q, %v, want c0ffee1, true", got, ok)
	}
	if got, ok := pockets[Key{Pocket: "master", Suite: jammy}]; !ok || got != "c0ffee1" {
		t.Errorf("master/jammy = %q, %v, want c0ffee1, true", got, ok)
	}
	if _, ok := pockets[Key{Pocket: "master", Suite: bionic}]; ok {
		t.Error("master/bionic should not be present: bionic was not in the pattern list")
	}
}

func TestResolveWildcardLosesToExplicit(t *testing.T) {
	// A wildcard branch must never overwrite an explicit pattern entry,
	// regardless of processing order.
	heads := []gitfacade.Head{
		{Branch: "master_jammy", Commit: "explicit1"},
		{Branch: "master", Commit: "wildcard1"},
	}
	pockets := Resolve("somerepo", heads, false)
	jammy, _ := catalog.SuiteByCodename("jammy") // WildcardAll

	got := pockets[Key{Pocket: "master", Suite: jammy}]
	if got != "explicit1" {
		t.Errorf("master/jammy = %q, want explicit1 (wildcard must not overwrite explicit entry)", got)
	}
}

func TestResolveWildcardFillsWhenNoExplicitEntry(t *testing.T) {
	heads := []gitfacade.Head{
		{Branch: "master", Commit: "wildcard1"},
	}
	pockets := Resolve("somerepo", heads, false)
	jammy, _ := catalog.SuiteByCodename("jammy") // WildcardAll
	if got := pockets[Key{Pocket: "master", Suite: jammy}]; got != "wildcard1" {
		t.Errorf("master/jammy = %q, want wildcard1", got)
	}
}

func TestResolveBareBranchDoesNotWildcardIntoNoneSuite(t *testing.T) {
	heads := []gitfacade.Head{
		{Branch: "master", Commit: "c1"},
	}
	pockets := Resolve("somerepo", heads, false)
	bionic, _ := catalog.SuiteByCodename("bionic") // WildcardNone
	if _, ok := pockets[Key{Pocket: "master", Suite: bionic}]; ok {
		t.Error("bionic (WildcardNone) should never be populated by a bare branch")
	}
}

func TestResolveDistroClassFiltersByMode(t *testing.T) {
	heads := []gitfacade.Head{
		{Branch: "master", Commit: "c1"},
	}
	lunar, _ := catalog.SuiteByCodename("lunar") // Ubuntu-only, WildcardNone

	release := Resolve("somerepo", heads, false)
	if _, ok := release[Key{Pocket: "master", Suite: lunar}]; ok {
		t.Error("lunar should never appear (WildcardNone), regardless of mode")
	}

	// Confirm dev mode actually considers lunar by using an explicit pattern.
	headsExplicit := []gitfacade.Head{
		{Branch: "master_lunar", Commit: "c1"},
	}
	dev := Resolve("somerepo", headsExplicit, true)
	if _, ok := dev[Key{Pocket: "master", Suite: lunar}]; !ok {
		t.Error("lunar should be buildable in dev mode with an explicit pattern")
	}
	releaseExplicit := Resolve("somerepo", headsExplicit, false)
	if _, ok := releaseExplicit[Key{Pocket: "master", Suite: lunar}]; ok {
		t.Error("lunar (Ubuntu-only) should be filtered out in release mode even with an explicit pattern")
	}
}

func TestBuildsByCommitGroupsPocketsAndSuites(t *testing.T) {
	heads := []gitfacade.Head{
		{Branch: "master_focal", Commit: "c1"},
		{Branch: "staging_focal", Commit: "c1"},
	}
	pockets := Resolve("somerepo", heads, false)
	builds := BuildsByCommit(heads, pockets)

	b, ok := builds["c1"]
	if !ok {
		t.Fatal("missing RepoBuild for c1")
	}
	if !b.Branches["master_focal"] || !b.Branches["staging_focal"] {
		t.Errorf("branches = %v, want both master_focal and staging_focal", b.Branches)
	}

	focal, _ := catalog.SuiteByCodename("focal")
	want := []catalog.Pocket{"master", "staging"}
	if diff := cmp.Diff(want, b.Pockets(focal)); diff != "" {
		t.Errorf("Pockets(focal) mismatch (-want +got):\n%s", diff)
	}
}
