// Command pop-ci drives one invocation of the package-build pipeline:
// discover repository branch heads, build source and binary packages for
// every (commit, suite, architecture) the branches select, and assemble
// and sign the resulting pool/dists archive. Flags and environment
// variables are parsed here; everything else lives in internal/orchestrator
// and its collaborators.
package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/pop-os/pop-ci/internal/orchestrator"
	"github.com/pop-os/pop-ci/internal/progress"
	"github.com/pop-os/pop-ci/internal/status"
)

var (
	reposDir       = flag.String("repos_dir", ".", "directory whose subdirectories are the git checkouts to build")
	buildDir       = flag.String("build_dir", "", "cache directory (defaults to _build/ci, or _build/ci-dev with -dev)")
	dev            = flag.Bool("dev", false, "build for the upstream distro (Ubuntu) PPA targets instead of release targets")
	launchpad      = flag.Bool("launchpad", false, "upload source changes to the configured PPA after a successful master build")
	publish        = flag.Bool("publish", false, "rsync the full apt tree to the configured remote, two-phase")
	sbuildUpdate   = flag.Bool("sbuild-update", false, "update chroots before building")
	retry          = flag.String("retry", "", "space-separated keys (repo, git:<commit>, dist:<suite>, pocket:<p>, arch:<a>) forcing a rebuild")
	arm64Addr      = flag.String("arm64", "", "SSH host of the ARM builder")
	arm64User      = flag.String("arm64-user", "builder", "SSH username for the -arm64 endpoint")
	arm64KeyPath   = flag.String("arm64-key", "", "path to a private key authenticating to the -arm64 endpoint")
	arm64RemoteDir = flag.String("arm64-remote-dir", "/tmp/pop-ci-arm", "scratch directory for the source tree on the -arm64 host")

	ppaKeyPath = flag.String("ppa-key", "", "signing key used for PPA-targeted (dev, bionic, focal) suites")
	isoKeyPath = flag.String("iso-key", "", "signing key used for release-archive suites")

	remoteAptBase = flag.String("remote-apt-base", "", "rsync destination base path used by -publish")

	statusBoard = flag.Bool("status-board", true, "show a live terminal status board (auto-disabled on non-terminals)")
	statusSlots = flag.Int("status-slots", 8, "number of concurrent status lines to reserve on the status board")
)

func sshClientConfig(user, keyPath string) (*ssh.ClientConfig, error) {
	if keyPath == "" {
		return nil, errors.New("arm64 builder configured without -arm64-key")
	}
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}, nil
}

func main() {
	flag.Parse()

	debEmail, ok := os.LookupEnv("DEBEMAIL")
	if !ok || debEmail == "" {
		log.Fatalf("DEBEMAIL environment variable is required")
	}
	debFullName, ok := os.LookupEnv("DEBFULLNAME")
	if !ok || debFullName == "" {
		log.Fatalf("DEBFULLNAME environment variable is required")
	}

	dir := *buildDir
	if dir == "" {
		dir = "_build/ci"
		if *dev {
			dir = "_build/ci-dev"
		}
	}

	var retryKeys []string
	if strings.TrimSpace(*retry) != "" {
		retryKeys = strings.Fields(*retry)
	}

	var arm64SSH *ssh.ClientConfig
	if *arm64Addr != "" {
		cfg, err := sshClientConfig(*arm64User, *arm64KeyPath)
		if err != nil {
			log.Fatalf("arm64 builder: %v", err)
		}
		arm64SSH = cfg
	}

	cfg := orchestrator.Config{
		ReposDir:        *reposDir,
		BuildDir:        dir,
		Dev:             *dev,
		Launchpad:       *launchpad,
		Publish:         *publish,
		SbuildUpdate:    *sbuildUpdate,
		Retry:           retryKeys,
		Arm64Addr:       *arm64Addr,
		Arm64SSH:        arm64SSH,
		Arm64RemoteDir:  *arm64RemoteDir,
		DebEmail:        debEmail,
		DebFullName:     debFullName,
		BuildURL:        os.Getenv("BUILD_URL"),
		StatusTokenPath: os.Getenv("BUILD_STATUS_TOKEN_FILE"),
		PPAKeyPath:      *ppaKeyPath,
		ISOKeyPath:      *isoKeyPath,
		RemoteAptBase:   *remoteAptBase,
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	reporter, err := status.New(logger, cfg.BuildURL, cfg.StatusTokenPath)
	if err != nil {
		log.Fatalf("status reporter: %v", err)
	}

	var board *progress.Board
	if *statusBoard {
		board = progress.NewBoard(os.Stdout, os.Stdout.Fd(), *statusSlots)
	}

	ctx, cancel := interruptibleContext()
	defer cancel()

	o := orchestrator.New(cfg, logger, reporter, board)
	if err := o.Run(ctx); err != nil {
		log.Fatalf("%+v", err)
	}
}
