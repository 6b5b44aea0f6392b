package autosubmit

import (
	"context"
	"log/slog"

	"github.com/steveyegge/autosubmit/internal/policy"
	"github.com/steveyegge/autosubmit/internal/types"
)

// MaxRefreshes bounds how many times Decide refreshes a devel package that
// has no known revision. One refresh is expected to be enough.
const MaxRefreshes = 2

// Reason tells which rule decided a verdict.
type Reason string

const (
	ReasonSeenBefore     Reason = "seen-before"
	ReasonChangesEqual   Reason = "changes-equal"
	ReasonPendingDelete  Reason = "pending-delete"
	ReasonPolicyDisabled Reason = "policy-disabled"
	ReasonOpenRequest    Reason = "open-request"
	ReasonPastRequest    Reason = "past-request"
	ReasonParentUpToDate Reason = "parent-up-to-date"
	ReasonSubmit         Reason = "submit"
)

// Describe returns the human readable form of r.
func (r Reason) Describe() string {
	switch r {
	case ReasonSeenBefore:
		return "changes already seen in the past"
	case ReasonChangesEqual:
		return ".changes files are the same"
	case ReasonPendingDelete:
		return "delete request filed"
	case ReasonPolicyDisabled:
		return "auto-submit disabled"
	case ReasonOpenRequest:
		return "already submitted"
	case ReasonPastRequest:
		return "already submitted in the past"
	case ReasonParentUpToDate:
		return "status info out-of-date (parent package already the same)"
	case ReasonSubmit:
		return "submit"
	}
	return string(r)
}

// Verdict is the outcome of Decide. Devel and Parent are the states the
// decision was made on, after any refresh.
type Verdict struct {
	Reason    Reason
	Devel     types.PackageState
	Parent    types.PackageState
	RequestID string // matching request for open/past request skips
	Refreshes int
}

// Skip reports whether no submission should be made.
func (v Verdict) Skip() bool {
	return v.Reason != ReasonSubmit
}

// Filter decides, for one (devel, parent) pair, whether to submit.
type Filter struct {
	Source   Source
	Cache    Cache
	Registry *Registry
	Policy   *policy.Policy
	Logger   *slog.Logger
}

// Decide runs the decision rules in order; the first one that matches
// decides. The cache, changelog, delete and policy rules never reach the
// network. When the devel package has no known revision it is refreshed and,
// if its fingerprint moved, the rules start over with the new state.
func (f *Filter) Decide(ctx context.Context, devel, parent types.PackageState) (Verdict, error) {
	v := Verdict{Devel: devel, Parent: parent}

	for {
		reason, ok, err := f.offlineRules(ctx, v.Devel, v.Parent)
		if err != nil {
			return v, err
		}
		if ok {
			return f.skip(v, reason), nil
		}

		if v.Devel.HasRev() {
			break
		}
		if v.Refreshes >= MaxRefreshes {
			return v, unlikelyf(v.Devel.PackageIdentity, "state still changing after %d refreshes", v.Refreshes)
		}

		oldHash := v.Devel.Hash
		if err := f.refresh(ctx, &v.Devel, false); err != nil {
			return v, err
		}
		v.Refreshes++
		if v.Devel.Hash == oldHash {
			break
		}
		f.logger().Debug("Devel package is more recent, checking again",
			"devel", v.Devel.String(), "parent", v.Parent.String(), "rev", v.Devel.Rev)
	}

	if refs := f.Registry.SubmitRequests(v.Parent.PackageIdentity); len(refs) > 0 {
		for _, ref := range refs {
			if ref.Source.PackageIdentity == v.Devel.PackageIdentity && ref.Source.Rev == v.Devel.Rev {
				v.RequestID = ref.ID
				return f.skip(v, ReasonOpenRequest), nil
			}
		}
		f.logger().Info("Should submit with newer version",
			"devel", v.Devel.String(), "parent", v.Parent.String())
	}

	id, err := f.Registry.FindPastSubmission(ctx, v.Devel, v.Parent.PackageIdentity)
	if err != nil {
		return v, err
	}
	if id != "" {
		v.RequestID = id
		return f.skip(v, ReasonPastRequest), nil
	}

	if !v.Parent.HasRev() {
		if err := f.refresh(ctx, &v.Parent, true); err != nil {
			return v, err
		}
		if v.Parent.Hash == v.Devel.Hash {
			return f.skip(v, ReasonParentUpToDate), nil
		}
	}

	v.Reason = ReasonSubmit
	return v, nil
}

// offlineRules are the checks that only need the cache, the registry and the
// policy.
func (f *Filter) offlineRules(ctx context.Context, devel, parent types.PackageState) (Reason, bool, error) {
	entry, found, err := f.Cache.Lookup(ctx, parent.PackageIdentity)
	if err != nil {
		return "", false, newError(parent.PackageIdentity, err, "cannot read cache")
	}
	if found && entry.Matches(devel) {
		return ReasonSeenBefore, true, nil
	}

	if parent.ChangesHash != "" && parent.ChangesHash == devel.ChangesHash {
		return ReasonChangesEqual, true, nil
	}

	if f.Registry.HasDeleteRequest(parent.PackageIdentity) {
		return ReasonPendingDelete, true, nil
	}

	if f.Policy != nil && !f.Policy.AutoSubmitEnabled(devel.PackageIdentity) {
		return ReasonPolicyDisabled, true, nil
	}

	return "", false, nil
}

// refresh brings state up to date with the latest revision. Rev and the
// unexpanded fingerprint always move; the changes fingerprint is only
// fetched when the expanded fingerprint moved and nochanges is false.
func (f *Filter) refresh(ctx context.Context, state *types.PackageState, nochanges bool) error {
	latest, err := f.Source.FetchPackageState(ctx, state.Project, state.Package, "")
	if err != nil {
		return newError(state.PackageIdentity, err, "cannot fetch current state")
	}

	state.Rev = latest.Rev
	state.UnexpandedHash = latest.UnexpandedHash

	if latest.Hash == state.Hash {
		return nil
	}
	state.Hash = latest.Hash

	if nochanges {
		return nil
	}

	changes, err := f.Source.FetchChangesHash(ctx, state.Project, state.Package, state.Rev)
	if err != nil {
		return newError(state.PackageIdentity, err, "cannot fetch hash of changes file")
	}
	state.ChangesHash = changes
	return nil
}

func (f *Filter) skip(v Verdict, reason Reason) Verdict {
	v.Reason = reason
	args := []any{"devel", v.Devel.String(), "parent", v.Parent.String(), "reason", reason.Describe()}
	if v.RequestID != "" {
		args = append(args, "request", v.RequestID)
	}
	f.logger().Info("Not submitting", args...)
	return v
}

func (f *Filter) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return f.Logger
}
