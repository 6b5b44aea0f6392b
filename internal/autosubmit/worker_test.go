package autosubmit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/autosubmit/internal/cache"
	"github.com/steveyegge/autosubmit/internal/types"
)

func newWorker(src *fakeSource, c Cache) *Worker {
	return &Worker{Source: src, Project: factory, Cache: c, Out: &bytes.Buffer{}}
}

func TestRunSubmitsAndRecords(t *testing.T) {
	src := newFakeSource()
	src.addPair(factory, "foo", "H1", tools, "foo", "H2")
	src.setState(tools, "foo", "3", "H2")
	src.setState(factory, "foo", "10", "H1")
	c := newFakeCache()

	stats, err := newWorker(src, c).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pairs)
	assert.Equal(t, 1, stats.Submitted)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 1, stats.ByReason[ReasonSubmit])
	assert.Equal(t, []string{"devel:tools/foo@3 -> openSUSE:Factory/foo"}, src.submitted)

	entry, ok := c.committed[types.NewIdentity(factory, "foo")]
	require.True(t, ok, "submission must be recorded")
	assert.Equal(t, types.NewIdentity(tools, "foo"), entry.Devel)
	assert.Equal(t, "H2", entry.DevelHash)
	assert.Equal(t, 1, c.flushes)
	assert.Equal(t, 1, c.prunes)
}

func TestRunRecordsSkips(t *testing.T) {
	src := newFakeSource()
	src.addPair(factory, "foo", "H1", "GNOME:Factory", "foo", "H2")
	c := newFakeCache()

	stats, err := newWorker(src, c).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.ByReason[ReasonPolicyDisabled])
	assert.Equal(t, []string{"openSUSE:Factory/foo"}, c.parents())
	assert.Empty(t, src.submitted)
}

func TestRunIsIdempotent(t *testing.T) {
	src := newFakeSource()
	src.addPair(factory, "foo", "H1", tools, "foo", "H2")
	src.setState(tools, "foo", "3", "H2")
	src.setState(factory, "foo", "10", "H1")
	c := newFakeCache()

	_, err := newWorker(src, c).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, src.submitted, 1)

	src.calls = nil
	stats, err := newWorker(src, c).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Submitted)
	assert.Equal(t, 1, stats.ByReason[ReasonSeenBefore])
	assert.Len(t, src.submitted, 1, "second run must not submit again")
	assert.Zero(t, src.countCalls("state"))
	assert.Zero(t, src.countCalls("past"))
}

func TestRunProcessesInOrder(t *testing.T) {
	src := newFakeSource()
	src.addPair(factory, "b", "H1", tools, "b", "H2")
	src.addPair(factory, "a", "H1", tools, "a", "H2")
	for _, pkg := range []string{"a", "b"} {
		src.setState(tools, pkg, "1", "H2")
		src.setState(factory, pkg, "1", "H1")
	}

	_, err := newWorker(src, newFakeCache()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"devel:tools/a@1 -> openSUSE:Factory/a",
		"devel:tools/b@1 -> openSUSE:Factory/b",
	}, src.submitted)
}

func TestRunPairFailureContinues(t *testing.T) {
	src := newFakeSource()
	src.addPair(factory, "a", "H1", tools, "a", "H2")
	src.addPair(factory, "b", "H1", tools, "b", "H2")
	src.addPair(factory, "c", "H1", tools, "c", "H2")
	for _, pkg := range []string{"a", "b", "c"} {
		src.setState(tools, pkg, "1", "H2")
		src.setState(factory, pkg, "1", "H1")
	}
	src.submitErr[factory+"/a"] = errTransport
	src.panicOn[factory+"/b"] = true
	c := newFakeCache()

	stats, err := newWorker(src, c).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pairs)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.Submitted)
	assert.Equal(t, []string{"devel:tools/c@1 -> openSUSE:Factory/c"}, src.submitted)
	assert.Equal(t, []string{"openSUSE:Factory/c"}, c.parents(), "failed pairs are not cached")
}

func TestRunFlushesOnFailure(t *testing.T) {
	src := newFakeSource()
	src.statusErr = errTransport
	c := newFakeCache()

	_, err := newWorker(src, c).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransport)
	assert.Equal(t, 1, c.flushes)
	assert.Zero(t, c.prunes, "prune only runs after a successful run")
}

func TestRunFlushesOnCancel(t *testing.T) {
	src := newFakeSource()
	src.addPair(factory, "foo", "H1", "GNOME:Factory", "foo", "H2")
	c := newFakeCache()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newWorker(src, c).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.flushes)
	assert.Zero(t, c.prunes)
}

func TestRunFlushErrorIsFatal(t *testing.T) {
	src := newFakeSource()
	src.addPair(factory, "foo", "H1", "GNOME:Factory", "foo", "H2")
	c := newFakeCache()
	c.flushErr = errors.New("disk full")

	_, err := newWorker(src, c).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	var ie *InternalError
	require.ErrorAs(t, err, &ie)
	assert.NotEmpty(t, ie.Stack)
	assert.Zero(t, c.prunes)
}

func TestProcessPairPanicKeepsStack(t *testing.T) {
	src := newFakeSource()
	src.panicOn[factory+"/foo"] = true
	pair := types.Pair{
		Devel:  withRev(state(tools, "foo", "H2"), "3"),
		Parent: withRev(state(factory, "foo", "H1"), "10"),
	}

	w := newWorker(src, newFakeCache())
	_, err := w.processPair(context.Background(), newFilter(src, newFakeCache()), pair)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal error while processing devel:tools/foo -> openSUSE:Factory/foo: boom")

	var ie *InternalError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, string(ie.Stack), "(*fakeSource).FetchPackageRequests")
}

func TestRunLogsPanicStack(t *testing.T) {
	src := newFakeSource()
	src.addPair(factory, "foo", "H1", tools, "foo", "H2")
	src.setState(tools, "foo", "3", "H2")
	src.setState(factory, "foo", "10", "H1")
	src.panicOn[factory+"/foo"] = true
	var logs bytes.Buffer

	w := newWorker(src, newFakeCache())
	w.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Contains(t, logs.String(), "Internal error while dealing with package")
	assert.Contains(t, logs.String(), "FetchPackageRequests")
}

func TestRunDebugPretends(t *testing.T) {
	src := newFakeSource()
	src.addPair(factory, "foo", "H1", tools, "foo", "H2")
	src.addPair(factory, "old", "H1", tools, "old", "H2")
	src.open.Requests = append(src.open.Requests,
		submitRequest("5", tools, "foo", "2", factory, "foo"),
		deleteRequest("6", factory, "old"),
	)
	src.setState(tools, "foo", "3", "H2")
	src.setState(factory, "foo", "10", "H1")
	c := newFakeCache()
	out := &bytes.Buffer{}

	w := newWorker(src, c)
	w.Debug = true
	w.Out = out
	stats, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Submitted)
	assert.Zero(t, src.countCalls("submit"), "debug mode must not create requests")
	assert.Equal(t, []string{"openSUSE:Factory/foo", "openSUSE:Factory/old"}, c.parents())

	dump := out.String()
	assert.Contains(t, dump, "Packages with a diff (2)")
	assert.Contains(t, dump, "devel:tools/foo -> openSUSE:Factory/foo")
	assert.Contains(t, dump, "Requests to openSUSE:Factory/foo: from devel:tools/foo (5)")
	assert.Contains(t, dump, "Delete requests for openSUSE:Factory/old: 6")
	assert.Contains(t, dump, "Filtered devel:tools/old -> openSUSE:Factory/old")
	assert.Contains(t, dump, "Submitting devel:tools/foo -> openSUSE:Factory/foo")
}

func TestRunWithSQLiteCache(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource()
	src.addPair(factory, "foo", "H1", tools, "foo", "H2")
	src.setState(tools, "foo", "3", "H2")
	src.setState(factory, "foo", "10", "H1")

	w := &Worker{Source: src, Project: factory, CacheDir: dir, Out: &bytes.Buffer{}}
	_, err := w.Run(context.Background())
	require.NoError(t, err)

	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ByReason[ReasonSeenBefore])
	assert.Len(t, src.submitted, 1)

	store, err := cache.Open(context.Background(), dir)
	require.NoError(t, err)
	defer store.Close()
	entry, ok, err := store.Lookup(context.Background(), types.NewIdentity(factory, "foo"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "H2", entry.DevelHash)
}

func TestRunWithSQLiteCacheKeepsDecisionsOnCancel(t *testing.T) {
	dir := t.TempDir()
	src := newFakeSource()
	src.addPair(factory, "a", "H1", "GNOME:Factory", "a", "H2")
	src.addPair(factory, "b", "H1", tools, "b", "H2")
	src.addPair(factory, "c", "H1", tools, "c", "H2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src.onState = func(key string) {
		if key == tools+"/b" {
			cancel()
		}
	}

	w := &Worker{Source: src, Project: factory, CacheDir: dir, Out: &bytes.Buffer{}}
	stats, err := w.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, err.Error(), "flush")
	assert.Equal(t, 1, stats.ByReason[ReasonPolicyDisabled])
	assert.Zero(t, src.countCalls("state devel:tools/c"), "no pair is started after cancellation")

	store, err := cache.Open(context.Background(), dir)
	require.NoError(t, err)
	defer store.Close()
	entry, ok, err := store.Lookup(context.Background(), types.NewIdentity(factory, "a"))
	require.NoError(t, err)
	require.True(t, ok, "decisions made before cancellation must be committed")
	assert.Equal(t, types.NewIdentity("GNOME:Factory", "a"), entry.Devel)
	assert.Equal(t, "H2", entry.DevelHash)
}
