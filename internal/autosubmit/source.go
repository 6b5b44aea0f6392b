// Package autosubmit is the reconciliation engine: it pairs parent packages
// with their devel packages, decides for each differing pair whether a submit
// request is needed, files it, and remembers the decision in the submission
// cache so that later runs do not submit the same change twice.
package autosubmit

import (
	"context"
	"time"

	"github.com/steveyegge/autosubmit/internal/cache"
	"github.com/steveyegge/autosubmit/internal/obs"
	"github.com/steveyegge/autosubmit/internal/types"
)

// Source is the build service as seen by the engine. *obs.Client implements
// it.
type Source interface {
	// FetchProjectStatus returns every package of project with its devel link.
	FetchProjectStatus(ctx context.Context, project string) (*obs.StatusDocument, error)

	// FetchOpenRequests returns submit and delete requests still open
	// against project.
	FetchOpenRequests(ctx context.Context, project string) (*obs.RequestCollection, error)

	// FetchPackageRequests returns all submit requests ever filed against
	// project/pkg, whatever their state.
	FetchPackageRequests(ctx context.Context, project, pkg string) (*obs.RequestCollection, error)

	// FetchPackageState returns revision and fingerprints of project/pkg at
	// rev, or at the latest revision when rev is empty.
	FetchPackageState(ctx context.Context, project, pkg, rev string) (types.PackageState, error)

	// FetchChangesHash returns the fingerprint of the package changelog, or
	// "" when there is none.
	FetchChangesHash(ctx context.Context, project, pkg, rev string) (string, error)

	// CreateSubmission files a submit request and returns its id.
	CreateSubmission(ctx context.Context, source types.PackageState, target types.PackageIdentity) (string, error)
}

var _ Source = (*obs.Client)(nil)

// Cache is the subset of the submission cache the engine uses.
type Cache interface {
	Lookup(ctx context.Context, parent types.PackageIdentity) (cache.Entry, bool, error)
	Record(ctx context.Context, parent, devel types.PackageIdentity, hash string) error
	Flush(ctx context.Context) error
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
}

var _ Cache = (*cache.Store)(nil)
