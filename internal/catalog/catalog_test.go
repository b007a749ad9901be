package catalog

import "testing"

func TestArchMatches(t *testing.T) {
	cases := []struct {
		arch Arch
		dsc  string
		want bool
	}{
		{Amd64, "amd64", true},
		{Amd64, "any", true},
		{Amd64, "all", true},       // BuildAll() is true for amd64
		{I386, "all", false},       // BuildAll() is false for i386
		{Arm64, "linux-any", true}, // BuildLinuxAny() true for arm64
		{I386, "linux-any", false},
		{Arm64, "linux-arm64", true},
		{Amd64, "arm64", false},
	}
	for _, c := range cases {
		if got := c.arch.Matches(c.dsc); got != c.want {
			t.Errorf("%s.Matches(%q) = %v, want %v", c.arch, c.dsc, got, c.want)
		}
	}
}

func TestSuiteWildcardMatches(t *testing.T) {
	jammy, _ := SuiteByCodename("jammy")
	if !jammy.WildcardMatches("some-random-repo") {
		t.Error("jammy (WildcardAll) should match any repo")
	}

	bionic, _ := SuiteByCodename("bionic")
	if bionic.WildcardMatches("systemd") {
		t.Error("bionic (WildcardNone) should never wildcard-match")
	}

	focal, _ := SuiteByCodename("focal")
	if !focal.WildcardMatches("systemd") {
		t.Error("focal should wildcard-match a configured repo")
	}
	if focal.WildcardMatches("definitely-not-configured") {
		t.Error("focal should not wildcard-match an unconfigured repo")
	}
}

func TestDevRepoAllowed(t *testing.T) {
	if !DevRepoAllowed("systemd") {
		t.Error("systemd should be in the dev roster")
	}
	if DevRepoAllowed("installer") {
		t.Error("installer is focal-only, not a dev repo")
	}
}

func TestSuiteBuildsInMode(t *testing.T) {
	lunar, _ := SuiteByCodename("lunar") // Ubuntu-only
	if lunar.BuildsInMode(false) {
		t.Error("lunar should not build in release mode")
	}
	if !lunar.BuildsInMode(true) {
		t.Error("lunar should build in dev mode")
	}

	jammy, _ := SuiteByCodename("jammy") // All
	if !jammy.BuildsInMode(false) || !jammy.BuildsInMode(true) {
		t.Error("jammy (DistroAll) should build in both modes")
	}
}

func TestRepoInfoForDevOverridesSuite(t *testing.T) {
	jammy, _ := SuiteByCodename("jammy")
	info := RepoInfoFor(jammy, true, "/ppa.asc", "/iso.asc")
	if info.SigningKeyPath != "/ppa.asc" {
		t.Errorf("dev mode signing key = %q, want /ppa.asc", info.SigningKeyPath)
	}
	if info.UploadTarget != "ppa:system76-dev/pre-stable" {
		t.Errorf("dev mode upload target = %q", info.UploadTarget)
	}
}

func TestRepoInfoForNobleDisablesArm64(t *testing.T) {
	noble, _ := SuiteByCodename("noble")
	info := RepoInfoFor(noble, false, "/ppa.asc", "/iso.asc")
	for _, a := range info.Archs {
		if a == Arm64 {
			t.Fatal("noble release-mode RepoInfo should not include arm64")
		}
	}
}

func TestRepoInfoForFocalUsesLegacyPPA(t *testing.T) {
	focal, _ := SuiteByCodename("focal")
	info := RepoInfoFor(focal, false, "/ppa.asc", "/iso.asc")
	if info.UploadTarget != "ppa:system76/proposed" {
		t.Errorf("focal upload target = %q, want legacy PPA", info.UploadTarget)
	}
}

func TestArchMirrorURL(t *testing.T) {
	if got := Amd64.MirrorURL("focal"); got != "http://us.archive.ubuntu.com/ubuntu" {
		t.Errorf("focal amd64 mirror = %q", got)
	}
	if got := Amd64.MirrorURL("noble"); got != "http://apt.pop-os.org/ubuntu" {
		t.Errorf("noble amd64 mirror = %q", got)
	}
	if got := Arm64.MirrorURL("noble"); got != "http://ports.ubuntu.com/ubuntu-ports" {
		t.Errorf("noble arm64 mirror = %q", got)
	}
}
