package orchestrator

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/pop-os/pop-ci/internal/cache"
	"github.com/pop-os/pop-ci/internal/catalog"
	"github.com/pop-os/pop-ci/internal/ciresult"
	"github.com/pop-os/pop-ci/internal/publisher"
)

func copyLogFile(src, dst string) error {
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

// publishAll walks the result aggregate's pockets and suites, assembling
// pool/dists for each via internal/publisher, then uploads and publishes
// per the run's configured flags.
func (o *Orchestrator) publishAll(ctx context.Context, aptCache *cache.Cache) error {
	for _, pocket := range o.result.Pockets() {
		o.log.Printf("pocket: %s", pocket)

		suites := o.result.SuitesForPocket(pocket)
		pocketCache, err := aptCache.Child(string(pocket), func(name string) bool {
			return name == "dists" || name == "pool"
		})
		if err != nil {
			return xerrors.Errorf("orchestrator: open pocket cache %s: %w", pocket, err)
		}

		poolCache, err := pocketCache.Child("pool", publisher.RetainSuites(suites))
		if err != nil {
			return xerrors.Errorf("orchestrator: open pool cache %s: %w", pocket, err)
		}
		distsCache, err := pocketCache.Child("dists", publisher.RetainSuites(suites))
		if err != nil {
			return xerrors.Errorf("orchestrator: open dists cache %s: %w", pocket, err)
		}

		poolRebuilt := poolCache.Cleaned() || distsCache.Cleaned()

		for _, suite := range suites {
			o.log.Printf("  suite: %s (%s)", suite.Codename, suite.Version)
			repoPackages := o.result.ReposForPocketSuite(pocket, suite)
			var changesToUpload []string

			repoNames := make([]string, 0, len(repoPackages))
			for name := range repoPackages {
				repoNames = append(repoNames, name)
			}
			sort.Strings(repoNames)

			suitePoolCache, err := poolCache.Child(suite.Codename, func(name string) bool {
				_, ok := repoPackages[name]
				return ok
			})
			if err != nil {
				return xerrors.Errorf("orchestrator: open suite pool cache %s/%s: %w", pocket, suite.Codename, err)
			}
			if suitePoolCache.Cleaned() {
				poolRebuilt = true
			}

			for _, repoName := range repoNames {
				cp := repoPackages[repoName]
				o.log.Printf("    repo: %s", repoName)

				repoPoolCache, err := suitePoolCache.Child(repoName, func(name string) bool {
					return name == string(cp.Commit)
				})
				if err != nil {
					return xerrors.Errorf("orchestrator: open repo pool cache %s/%s/%s: %w", pocket, suite.Codename, repoName, err)
				}
				if repoPoolCache.Cleaned() {
					poolRebuilt = true
				}

				_, repoPoolRebuilt, err := repoPoolCache.Build(string(cp.Commit), cp.Package.Rebuilt, func(dest string) error {
					return publisher.BuildPool(publisher.PoolEntry{
						Dscs: cp.Package.Dscs,
						Tars: cp.Package.Tars,
						Debs: cp.Package.Debs,
					}, dest)
				})
				if err != nil {
					return xerrors.Errorf("orchestrator: build pool entry %s/%s/%s: %w", pocket, suite.Codename, repoName, err)
				}
				if repoPoolRebuilt {
					poolRebuilt = true
				}
				if o.cfg.Launchpad && pocket == "master" {
					for _, name := range sortedKeys(cp.Package.Changes) {
						if strings.HasSuffix(name, "_source.changes") {
							changesToUpload = append(changesToUpload, cp.Package.Changes[name])
						}
					}
				}
			}

			repoInfo := catalog.RepoInfoFor(suite, o.cfg.Dev, o.cfg.PPAKeyPath, o.cfg.ISOKeyPath)
			_, _, err = distsCache.Build(suite.Codename, poolRebuilt, func(dest string) error {
				return publisher.BuildDists(ctx, publisher.DistsRequest{
					PocketName:    string(pocket),
					Suite:         suite,
					Archs:         repoInfo.Archs,
					PoolRelative:  filepath.Join("pool", suite.Codename),
					PocketRootDir: pocketCache.Path(),
					Signer:        publisher.Signer{Email: o.cfg.DebEmail},
				}, dest)
			})
			if err != nil {
				return xerrors.Errorf("orchestrator: build dists %s/%s: %w", pocket, suite.Codename, err)
			}

			if o.cfg.Launchpad && pocket == "master" && repoInfo.UploadTarget != "" && len(changesToUpload) > 0 {
				if err := publisher.Upload(ctx, repoInfo.UploadTarget, changesToUpload); err != nil {
					return xerrors.Errorf("orchestrator: upload %s/%s: %w", pocket, suite.Codename, err)
				}
			}
		}

		if o.cfg.Publish {
			remote := filepath.Join(o.cfg.RemoteAptBase, string(pocket))
			if err := publisher.Publish(ctx, pocketCache.Path(), remote); err != nil {
				return xerrors.Errorf("orchestrator: publish %s: %w", pocket, err)
			}
		}
	}
	return nil
}

// commitLogs copies every registered log (global and per-pocket) into the
// log cache, the final orchestrator step.
func (o *Orchestrator) commitLogs(logCache *cache.Cache) error {
	for _, entry := range o.result.Logs() {
		if err := commitOneLog(logCache, entry); err != nil {
			return err
		}
	}
	for _, pocket := range o.result.Pockets() {
		pocketLogCache, err := logCache.Child(string(pocket), func(string) bool { return true })
		if err != nil {
			return xerrors.Errorf("orchestrator: open pocket log cache %s: %w", pocket, err)
		}
		for _, entry := range o.result.PocketLogs(pocket) {
			if err := commitOneLog(pocketLogCache, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func commitOneLog(logCache *cache.Cache, entry ciresult.LogEntry) error {
	_, _, err := logCache.Build(entry.Name, entry.Rebuilt, func(dest string) error {
		return copyLogFile(entry.SourcePath, dest)
	})
	if err != nil {
		return xerrors.Errorf("orchestrator: commit log %s: %w", entry.Name, err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
