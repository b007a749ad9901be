// Package catalog holds the declarative tables describing which suites,
// architectures, and pockets this CI engine knows how to build for, and
// how each (suite, mode) maps to signing keys and upload targets. Every
// value here is configuration data, not code.
package catalog

// WildcardPolicy controls whether a bare-pocket branch (no suite pattern)
// targets a given suite.
type WildcardPolicy int

const (
	// WildcardNone never matches a bare-pocket branch.
	WildcardNone WildcardPolicy = iota
	// WildcardConditional matches only for repositories in a configured set.
	WildcardConditional
	// WildcardAll matches for every repository.
	WildcardAll
)

// DistroClass controls whether a suite builds in dev (Ubuntu) mode,
// release (Pop) mode, or both.
type DistroClass int

const (
	DistroAll DistroClass = iota
	DistroPop
	DistroUbuntu
)

// Suite is one supported release of the target distribution.
type Suite struct {
	Codename string
	Version  string
	Wildcard WildcardPolicy
	Distro   DistroClass
}

// devRepos enumerates the repositories built in dev (--dev) mode, i.e.
// against the upstream Ubuntu PPA targets. The full roster is deployment
// configuration; this is the stable core.
var devRepos = map[string]bool{
	"accountsservice": true,
	"bluez":           true,
	"fwupd":           true,
	"gnome-shell":     true,
	"linux":           true,
	"mesa":            true,
	"systemd":         true,
}

// popFocalRepos enumerates repositories built for focal in addition to
// the dev set; together with devRepos it forms focal's conditional
// wildcard roster.
var popFocalRepos = map[string]bool{
	"apt":       true,
	"desktop":   true,
	"shell":     true,
	"installer": true,
}

// DevRepoAllowed reports whether repoName is built at all when running
// in dev mode.
func DevRepoAllowed(repoName string) bool {
	return devRepos[repoName]
}

// AllSuites is the closed set of suites this engine supports.
var AllSuites = []Suite{
	{Codename: "bionic", Version: "18.04", Wildcard: WildcardNone, Distro: DistroAll},
	{Codename: "focal", Version: "20.04", Wildcard: WildcardConditional, Distro: DistroAll},
	{Codename: "jammy", Version: "22.04", Wildcard: WildcardAll, Distro: DistroAll},
	{Codename: "lunar", Version: "23.04", Wildcard: WildcardNone, Distro: DistroUbuntu},
	{Codename: "mantic", Version: "23.10", Wildcard: WildcardNone, Distro: DistroUbuntu},
	{Codename: "noble", Version: "24.04", Wildcard: WildcardAll, Distro: DistroAll},
}

// SuiteByCodename looks up a suite by its codename.
func SuiteByCodename(codename string) (Suite, bool) {
	for _, s := range AllSuites {
		if s.Codename == codename {
			return s, true
		}
	}
	return Suite{}, false
}

// WildcardMatches reports whether a bare-pocket branch on repoName should
// be considered for s under its wildcard policy.
func (s Suite) WildcardMatches(repoName string) bool {
	switch s.Wildcard {
	case WildcardNone:
		return false
	case WildcardConditional:
		return devRepos[repoName] || popFocalRepos[repoName]
	case WildcardAll:
		return true
	default:
		return false
	}
}

// BuildsInMode reports whether s is built when running in dev mode (true)
// or release mode (false).
func (s Suite) BuildsInMode(dev bool) bool {
	switch s.Distro {
	case DistroAll:
		return true
	case DistroPop:
		return !dev
	case DistroUbuntu:
		return dev
	default:
		return false
	}
}

// Arch is an architecture identifier known to the engine.
type Arch string

const (
	Amd64 Arch = "amd64"
	I386  Arch = "i386"
	Arm64 Arch = "arm64"
)

// BuildAll reports whether this architecture is responsible for building
// the Architecture: all artifacts of a source package.
func (a Arch) BuildAll() bool {
	return a == Amd64
}

// BuildLinuxAny reports whether this architecture satisfies an
// Architecture: linux-any source package.
func (a Arch) BuildLinuxAny() bool {
	return a == Amd64 || a == Arm64
}

// Matches reports whether this architecture should build a .dsc whose
// control file Architecture: field is dscArch.
func (a Arch) Matches(dscArch string) bool {
	switch dscArch {
	case string(a):
		return true
	case "any":
		return true
	case "linux-any":
		return a.BuildLinuxAny()
	case "all":
		return a.BuildAll()
	case "linux-" + string(a):
		return true
	default:
		return false
	}
}

// MirrorURL returns the Ubuntu archive mirror to extra-repository for this
// architecture when building release. For amd64/i386, focal uses the
// primary Ubuntu mirror and every other suite uses the Pop mirror; all
// other architectures use the ports mirror.
func (a Arch) MirrorURL(release string) string {
	if a == Amd64 || a == I386 {
		if release == "focal" {
			return "http://us.archive.ubuntu.com/ubuntu"
		}
		return "http://apt.pop-os.org/ubuntu"
	}
	return "http://ports.ubuntu.com/ubuntu-ports"
}

// Pocket is a channel within the archive (e.g. "master", "staging"),
// derived from a branch name's leading underscore-delimited segment.
type Pocket string

// RepoInfo describes, for a (suite, mode), where signed artifacts come
// from and where they go.
type RepoInfo struct {
	SigningKeyPath string
	ReleaseURL     string
	StagingURL     string
	UploadTarget   string // empty means "no upload configured"
	Archs          []Arch
}

var (
	archsRelease = []Arch{Amd64, I386, Arm64}
	archsDev     = []Arch{Amd64, I386}
)

// RepoInfoFor returns the RepoInfo for suite under dev or release mode,
// including the bionic/focal legacy Launchpad target and the noble
// arm64-disabled special case.
func RepoInfoFor(s Suite, dev bool, ppaKeyPath, isoKeyPath string) RepoInfo {
	if dev {
		return RepoInfo{
			SigningKeyPath: ppaKeyPath,
			ReleaseURL:     "http://ppa.launchpad.net/system76-dev/stable/ubuntu",
			StagingURL:     "http://ppa.launchpad.net/system76-dev/pre-stable/ubuntu",
			UploadTarget:   "ppa:system76-dev/pre-stable",
			Archs:          archsDev,
		}
	}

	switch s.Codename {
	case "bionic", "focal":
		return RepoInfo{
			SigningKeyPath: ppaKeyPath,
			ReleaseURL:     "http://ppa.launchpad.net/system76/pop/ubuntu",
			StagingURL:     "http://ppa.launchpad.net/system76/proposed/ubuntu",
			UploadTarget:   "ppa:system76/proposed",
			Archs:          archsDev,
		}
	case "noble":
		return RepoInfo{
			SigningKeyPath: isoKeyPath,
			ReleaseURL:     "http://apt.pop-os.org/release",
			StagingURL:     "http://apt.pop-os.org/staging/master",
			Archs:          archsDev, // arm64 temporarily disabled for noble
		}
	default:
		return RepoInfo{
			SigningKeyPath: isoKeyPath,
			ReleaseURL:     "http://apt.pop-os.org/release",
			StagingURL:     "http://apt.pop-os.org/staging/master",
			Archs:          archsRelease,
		}
	}
}
