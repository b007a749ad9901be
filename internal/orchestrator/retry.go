package orchestrator

import (
	"fmt"

	"github.com/pop-os/pop-ci/internal/catalog"
	"github.com/pop-os/pop-ci/internal/gitfacade"
)

// retryMatches reports whether any of retryKeys names repoName,
// "git:<commit>", "dist:<suite>", "pocket:<p>" for any p in pockets, or
// (only when archKey is non-empty) "arch:<archKey>". Source-stage callers
// always pass an empty archKey: an arch:* retry key forces binary
// rebuilds only, never a source rebuild.
func retryMatches(retryKeys []string, repoName string, commit gitfacade.Commit, suite catalog.Suite, archKey string, pockets []catalog.Pocket) bool {
	wanted := map[string]bool{
		repoName:                               true,
		fmt.Sprintf("git:%s", commit):          true,
		fmt.Sprintf("dist:%s", suite.Codename): true,
	}
	for _, p := range pockets {
		wanted[fmt.Sprintf("pocket:%s", p)] = true
	}
	if archKey != "" {
		wanted[fmt.Sprintf("arch:%s", archKey)] = true
	}

	for _, key := range retryKeys {
		if wanted[key] {
			return true
		}
	}
	return false
}
