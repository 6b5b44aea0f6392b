package autosubmit

import (
	"context"
	"sort"

	"github.com/steveyegge/autosubmit/internal/obs"
	"github.com/steveyegge/autosubmit/internal/types"
)

// StateFromStatus builds a package state from a status record. A record
// without any fingerprint is a data inconsistency.
func StateFromStatus(rec obs.StatusPackage) (types.PackageState, error) {
	state := types.PackageState{
		PackageIdentity: types.NewIdentity(rec.Project, rec.Name),
		Hash:            rec.VerifyMD5,
		UnexpandedHash:  rec.SrcMD5,
		ChangesHash:     rec.ChangesMD5,
	}
	if state.Hash == "" {
		state.Hash = rec.SrcMD5
	}
	if state.Hash == "" {
		return types.PackageState{}, unlikelyf(state.PackageIdentity, "no state hash")
	}
	return state, nil
}

// develStateFromLink builds the devel package state embedded in a devel
// link, checking that the embedded record is the package the link names.
func develStateFromLink(link *obs.Develpack) (types.PackageState, error) {
	linked := types.NewIdentity(link.Project, link.Package)
	if link.Record == nil {
		return types.PackageState{}, unlikelyf(linked, "no package record in devel link")
	}
	state, err := StateFromStatus(*link.Record)
	if err != nil {
		return types.PackageState{}, err
	}
	if state.PackageIdentity != linked {
		return types.PackageState{}, unlikelyf(linked, "inconsistent devel link and package record (%s)", state.PackageIdentity)
	}
	return state, nil
}

// FetchPackagesWithDiff returns the (devel, parent) pairs of the target
// project whose expanded fingerprints differ, sorted by parent then devel.
// Records that cannot be paired are logged and skipped.
func (w *Worker) FetchPackagesWithDiff(ctx context.Context) ([]types.Pair, error) {
	doc, err := w.Source.FetchProjectStatus(ctx, w.Project)
	if err != nil {
		return nil, &Error{Kind: KindOf(err), Project: w.Project, Msg: "cannot fetch project status", Err: err}
	}

	logger := w.logger()
	pol := w.policy()
	seen := make(map[string]bool)
	var pairs []types.Pair

	for _, rec := range doc.Packages {
		parent, err := StateFromStatus(rec)
		if err != nil {
			logger.Error("Cannot get package", "error", err, "kind", KindOf(err).String())
			continue
		}

		if parent.Project != w.Project {
			logger.Warn("Package found as parent package of another project",
				"parent", parent.String(), "project", w.Project)
			continue
		}

		if rec.Develpack == nil {
			if !pol.NoDevelExpected(parent.Package) {
				logger.Warn("No devel package", "parent", parent.String())
			}
			continue
		}

		devel, err := develStateFromLink(rec.Develpack)
		if err != nil {
			logger.Error("Cannot get devel package", "parent", parent.String(), "error", err, "kind", KindOf(err).String())
			continue
		}

		if parent.Hash == devel.Hash {
			continue
		}

		if devel.Project == w.Project {
			if !pol.InternalLinkExpected(parent.PackageIdentity) {
				logger.Warn("Devel package belongs to target project but state hash is different",
					"devel", devel.String(), "parent", parent.String(), "project", w.Project)
			}
			continue
		}

		key := parent.String()
		if seen[key] {
			logger.Warn("Package appearing twice as parent package", "parent", key)
			continue
		}
		seen[key] = true

		pairs = append(pairs, types.Pair{Devel: devel, Parent: parent})
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Less(pairs[j])
	})
	return pairs, nil
}
