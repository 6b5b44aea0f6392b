package autosubmit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/steveyegge/autosubmit/internal/cache"
	"github.com/steveyegge/autosubmit/internal/obs"
	"github.com/steveyegge/autosubmit/internal/types"
)

// fakeSource is an in-memory build service.
type fakeSource struct {
	status    *obs.StatusDocument
	statusErr error
	open      *obs.RequestCollection
	openErr   error
	past      map[string]*obs.RequestCollection

	// states are returned in order by successive FetchPackageState calls for
	// a package; the last one repeats.
	states    map[string][]types.PackageState
	stateN    map[string]int
	stateErr  map[string]error
	changes   map[string]string
	submitErr map[string]error
	panicOn   map[string]bool

	// onState, when set, runs at the start of every FetchPackageState call.
	onState func(key string)

	calls     []string
	submitted []string
	nextID    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		status:    &obs.StatusDocument{},
		open:      &obs.RequestCollection{},
		past:      make(map[string]*obs.RequestCollection),
		states:    make(map[string][]types.PackageState),
		stateN:    make(map[string]int),
		stateErr:  make(map[string]error),
		changes:   make(map[string]string),
		submitErr: make(map[string]error),
		panicOn:   make(map[string]bool),
		nextID:    1000,
	}
}

func (f *fakeSource) FetchProjectStatus(ctx context.Context, project string) (*obs.StatusDocument, error) {
	f.calls = append(f.calls, "status "+project)
	return f.status, f.statusErr
}

func (f *fakeSource) FetchOpenRequests(ctx context.Context, project string) (*obs.RequestCollection, error) {
	f.calls = append(f.calls, "open "+project)
	return f.open, f.openErr
}

func (f *fakeSource) FetchPackageRequests(ctx context.Context, project, pkg string) (*obs.RequestCollection, error) {
	key := project + "/" + pkg
	f.calls = append(f.calls, "past "+key)
	if f.panicOn[key] {
		panic("boom")
	}
	if coll, ok := f.past[key]; ok {
		return coll, nil
	}
	return &obs.RequestCollection{}, nil
}

func (f *fakeSource) FetchPackageState(ctx context.Context, project, pkg, rev string) (types.PackageState, error) {
	key := project + "/" + pkg
	f.calls = append(f.calls, "state "+key)
	if f.onState != nil {
		f.onState(key)
	}
	if err := f.stateErr[key]; err != nil {
		return types.PackageState{}, err
	}
	seq := f.states[key]
	if len(seq) == 0 {
		return types.PackageState{}, fmt.Errorf("no state for %s", key)
	}
	i := f.stateN[key]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	f.stateN[key]++
	state := seq[i]
	state.PackageIdentity = types.NewIdentity(project, pkg)
	return state, nil
}

func (f *fakeSource) FetchChangesHash(ctx context.Context, project, pkg, rev string) (string, error) {
	key := project + "/" + pkg
	f.calls = append(f.calls, "changes "+key)
	return f.changes[key], nil
}

func (f *fakeSource) CreateSubmission(ctx context.Context, source types.PackageState, target types.PackageIdentity) (string, error) {
	f.calls = append(f.calls, "submit "+target.String())
	if err := f.submitErr[target.String()]; err != nil {
		return "", err
	}
	f.submitted = append(f.submitted, fmt.Sprintf("%s@%s -> %s", source, source.Rev, target))
	f.nextID++
	return fmt.Sprint(f.nextID), nil
}

// addPair adds a parent package with a devel link to the status document.
func (f *fakeSource) addPair(parentProject, parentPkg, parentHash, develProject, develPkg, develHash string) {
	f.status.Packages = append(f.status.Packages, obs.StatusPackage{
		Project:   parentProject,
		Name:      parentPkg,
		SrcMD5:    "src-" + parentHash,
		VerifyMD5: parentHash,
		Develpack: &obs.Develpack{
			Project: develProject,
			Package: develPkg,
			Record: &obs.StatusPackage{
				Project:   develProject,
				Name:      develPkg,
				SrcMD5:    "src-" + develHash,
				VerifyMD5: develHash,
			},
		},
	})
}

func (f *fakeSource) setState(project, pkg, rev, hash string) {
	key := project + "/" + pkg
	f.states[key] = append(f.states[key], types.PackageState{Rev: rev, Hash: hash, UnexpandedHash: "src-" + hash})
}

func submitRequest(id, srcProject, srcPkg, rev, tgtProject, tgtPkg string) obs.Request {
	return obs.Request{
		ID: id,
		Actions: []obs.RequestAction{{
			Type:   "submit",
			Source: &obs.RequestPackage{Project: srcProject, Package: srcPkg, Rev: rev},
			Target: &obs.RequestPackage{Project: tgtProject, Package: tgtPkg},
		}},
		State: &obs.RequestState{Name: "new"},
	}
}

func deleteRequest(id, tgtProject, tgtPkg string) obs.Request {
	return obs.Request{
		ID: id,
		Actions: []obs.RequestAction{{
			Type:   "delete",
			Target: &obs.RequestPackage{Project: tgtProject, Package: tgtPkg},
		}},
		State: &obs.RequestState{Name: "new"},
	}
}

func (f *fakeSource) countCalls(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// fakeCache keeps committed and pending entries apart like the sqlite store.
type fakeCache struct {
	committed map[types.PackageIdentity]cache.Entry
	pending   map[types.PackageIdentity]cache.Entry
	lookupErr error
	flushErr  error
	flushes   int
	prunes    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		committed: make(map[types.PackageIdentity]cache.Entry),
		pending:   make(map[types.PackageIdentity]cache.Entry),
	}
}

func (c *fakeCache) Lookup(ctx context.Context, parent types.PackageIdentity) (cache.Entry, bool, error) {
	if c.lookupErr != nil {
		return cache.Entry{}, false, c.lookupErr
	}
	if e, ok := c.pending[parent]; ok {
		return e, true, nil
	}
	e, ok := c.committed[parent]
	return e, ok, nil
}

func (c *fakeCache) Record(ctx context.Context, parent, devel types.PackageIdentity, hash string) error {
	c.pending[parent] = cache.Entry{InsertedAt: time.Now(), Parent: parent, Devel: devel, DevelHash: hash}
	return nil
}

func (c *fakeCache) Flush(ctx context.Context) error {
	c.flushes++
	if c.flushErr != nil {
		return c.flushErr
	}
	for k, v := range c.pending {
		c.committed[k] = v
	}
	c.pending = make(map[types.PackageIdentity]cache.Entry)
	return nil
}

func (c *fakeCache) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	c.prunes++
	return 0, nil
}

func (c *fakeCache) put(parent, devel types.PackageIdentity, hash string) {
	c.committed[parent] = cache.Entry{InsertedAt: time.Now(), Parent: parent, Devel: devel, DevelHash: hash}
}

func (c *fakeCache) parents() []string {
	var keys []string
	for k := range c.committed {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return keys
}

var errTransport = errors.New("connection reset by peer")
