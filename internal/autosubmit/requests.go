package autosubmit

import (
	"context"
	"log/slog"
	"slices"
	"sort"

	"github.com/steveyegge/autosubmit/internal/obs"
	"github.com/steveyegge/autosubmit/internal/types"
)

// Registry indexes the open requests of the target project by target
// package. It is rebuilt every run.
type Registry struct {
	source  Source
	logger  *slog.Logger
	submits map[string][]types.SubmitRef
	deletes map[string][]string
}

// NewRegistry returns an empty registry. source is only used by
// FindPastSubmission and may be nil otherwise.
func NewRegistry(source Source, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		source:  source,
		logger:  logger,
		submits: make(map[string][]types.SubmitRef),
		deletes: make(map[string][]string),
	}
}

// BuildRequestRegistry fetches the open requests against the target project
// and indexes them.
func (w *Worker) BuildRequestRegistry(ctx context.Context) (*Registry, error) {
	coll, err := w.Source.FetchOpenRequests(ctx, w.Project)
	if err != nil {
		return nil, &Error{Kind: KindOf(err), Project: w.Project, Msg: "cannot build request registry", Err: err}
	}
	r := NewRegistry(w.Source, w.logger())
	for _, rec := range RequestRecords(coll, r.logger, types.ActionSubmit, types.ActionDelete) {
		r.Add(rec)
	}
	return r, nil
}

// Add indexes one request record. Every record is kept, so a target with
// several open requests lists all of them.
func (r *Registry) Add(rec types.RequestRecord) {
	key := rec.Target.String()
	switch rec.Action {
	case types.ActionSubmit:
		if rec.Source == nil {
			return
		}
		r.submits[key] = append(r.submits[key], types.SubmitRef{ID: rec.ID, Source: *rec.Source})
	case types.ActionDelete:
		r.deletes[key] = append(r.deletes[key], rec.ID)
	}
}

// SubmitRequests returns the open submit requests targeting parent.
func (r *Registry) SubmitRequests(parent types.PackageIdentity) []types.SubmitRef {
	return r.submits[parent.String()]
}

// DeleteRequests returns the ids of open delete requests targeting parent.
func (r *Registry) DeleteRequests(parent types.PackageIdentity) []string {
	return r.deletes[parent.String()]
}

// HasDeleteRequest reports whether parent is about to be deleted.
func (r *Registry) HasDeleteRequest(parent types.PackageIdentity) bool {
	return len(r.deletes[parent.String()]) > 0
}

// SubmitTargets returns the targets with open submit requests, sorted.
func (r *Registry) SubmitTargets() []string {
	return sortedKeys(r.submits)
}

// DeleteTargets returns the targets with open delete requests, sorted.
func (r *Registry) DeleteTargets() []string {
	return sortedKeys(r.deletes)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FindPastSubmission looks through every submit request ever filed against
// parent, whatever its state, and returns the id of the first one made from
// devel at devel's revision. It returns "" when there is none.
func (r *Registry) FindPastSubmission(ctx context.Context, devel types.PackageState, parent types.PackageIdentity) (string, error) {
	coll, err := r.source.FetchPackageRequests(ctx, parent.Project, parent.Package)
	if err != nil {
		return "", newError(parent, err, "cannot check past submissions")
	}
	for _, rec := range RequestRecords(coll, r.logger, types.ActionSubmit) {
		if rec.Source.PackageIdentity == devel.PackageIdentity && rec.Source.Rev == devel.Rev {
			return rec.ID, nil
		}
	}
	return "", nil
}

// RequestRecords flattens a request collection into one record per action,
// keeping only the given action kinds. Malformed actions are logged and
// dropped.
func RequestRecords(coll *obs.RequestCollection, logger *slog.Logger, accept ...types.Action) []types.RequestRecord {
	if coll == nil {
		return nil
	}
	var records []types.RequestRecord
	for _, req := range coll.Requests {
		if req.ID == "" {
			logger.Warn("Ignoring request with no request id")
			continue
		}
		state := ""
		if req.State != nil {
			state = req.State.Name
		}

		for _, action := range req.Actions {
			kind := types.Action(action.Type)
			if kind == "" {
				logger.Warn("Ignoring request: no action type", "request", req.ID)
				continue
			}
			if !kind.IsValid() || !slices.Contains(accept, kind) {
				logger.Warn("Ignoring request: action type not expected", "request", req.ID, "type", action.Type)
				continue
			}

			rec := types.RequestRecord{ID: req.ID, Action: kind, State: state}
			if action.Source != nil && action.Source.Project != "" {
				rec.Source = &types.PackageState{
					PackageIdentity: types.NewIdentity(action.Source.Project, action.Source.Package),
					Rev:             action.Source.Rev,
				}
			}
			if action.Target != nil {
				rec.Target = types.NewIdentity(action.Target.Project, action.Target.Package)
			}

			if !rec.Target.Valid() {
				logger.Warn("Ignoring request: target mis-defined", "request", req.ID)
				continue
			}
			if kind == types.ActionSubmit && rec.Source == nil {
				logger.Warn("Ignoring submit request: source mis-defined", "request", req.ID)
				continue
			}
			records = append(records, rec)
		}
	}
	return records
}
