package autosubmit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/autosubmit/internal/cache"
	"github.com/steveyegge/autosubmit/internal/policy"
	"github.com/steveyegge/autosubmit/internal/types"
)

const scopeName = "github.com/steveyegge/autosubmit/engine"

// RunStats summarizes a run.
type RunStats struct {
	Pairs     int            `json:"pairs" yaml:"pairs"`
	Submitted int            `json:"submitted" yaml:"submitted"`
	Skipped   int            `json:"skipped" yaml:"skipped"`
	Failed    int            `json:"failed" yaml:"failed"`
	Pruned    int64          `json:"pruned" yaml:"pruned"`
	ByReason  map[Reason]int `json:"by_reason" yaml:"by_reason"`
}

// Worker drives one reconciliation run against a target project.
type Worker struct {
	Source  Source
	Project string
	Policy  *policy.Policy
	Logger  *slog.Logger

	// Cache is the submission cache. When nil, Run opens the cache in
	// CacheDir and closes it when done.
	Cache    Cache
	CacheDir string
	MaxAge   time.Duration

	// Debug pretends to submit and dumps the diff list and request
	// indices to Out.
	Debug bool
	Out   io.Writer
}

// engineMetrics holds lazily-initialized OTel instruments for runs.
var engineMetrics struct {
	verdicts metric.Int64Counter
	errors   metric.Int64Counter
}

var engineMetricsOnce sync.Once

func initEngineMetrics() {
	m := otel.Meter(scopeName)
	engineMetrics.verdicts, _ = m.Int64Counter("autosubmit.verdicts",
		metric.WithDescription("Decisions made, by reason"),
	)
	engineMetrics.errors, _ = m.Int64Counter("autosubmit.errors",
		metric.WithDescription("Pairs that could not be processed, by error kind"),
	)
}

// Run evaluates every differing pair of the target project, submits where
// needed and records every decision in the cache. Failures on a single pair
// are logged and counted. The cache is flushed on every exit path; it is
// pruned only after a successful flush of a completed run.
func (w *Worker) Run(ctx context.Context) (stats RunStats, err error) {
	engineMetricsOnce.Do(initEngineMetrics)
	ctx, span := otel.Tracer(scopeName).Start(ctx, "autosubmit.run",
		trace.WithAttributes(attribute.String("autosubmit.project", w.Project)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	stats.ByReason = make(map[Reason]int)
	logger := w.logger()

	store := w.Cache
	if store == nil {
		opened, err := cache.Open(ctx, w.CacheDir)
		if err != nil {
			if errors.Is(err, cache.ErrReadOnly) {
				return stats, &Error{Kind: KindUnlikely, Msg: "cache database must be writable", Err: err}
			}
			return stats, newInternalError(err)
		}
		defer func() { _ = opened.Close() }()
		store = opened
	}

	completed := false
	defer func() {
		// The flush must survive cancellation of ctx.
		flushCtx := context.WithoutCancel(ctx)
		if ferr := store.Flush(flushCtx); ferr != nil {
			err = errors.Join(err, fmt.Errorf("cannot flush cache: %w", newInternalError(ferr)))
			return
		}
		if !completed || err != nil {
			return
		}
		maxAge := w.MaxAge
		if maxAge <= 0 {
			maxAge = cache.DefaultMaxAge
		}
		pruned, perr := store.Prune(flushCtx, maxAge)
		if perr != nil {
			err = fmt.Errorf("cannot prune cache: %w", newInternalError(perr))
			return
		}
		stats.Pruned = pruned
	}()

	registry, err := w.BuildRequestRegistry(ctx)
	if err != nil {
		return stats, err
	}
	pairs, err := w.FetchPackagesWithDiff(ctx)
	if err != nil {
		return stats, err
	}
	stats.Pairs = len(pairs)
	logger.Info("Fetched packages with a diff", "project", w.Project, "count", len(pairs))

	if w.Debug {
		w.dump(pairs, registry)
	}

	filter := &Filter{
		Source:   w.Source,
		Cache:    store,
		Registry: registry,
		Policy:   w.policy(),
		Logger:   logger,
	}

	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		v, perr := w.processPair(ctx, filter, pair)
		if perr != nil {
			stats.Failed++
			kind := KindOf(perr)
			engineMetrics.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("autosubmit.error.kind", kind.String())))
			var ie *InternalError
			if errors.As(perr, &ie) {
				logger.ErrorContext(ctx, "Internal error while dealing with package", "devel", pair.Devel.String(), "parent", pair.Parent.String(), "error", perr, "stack", string(ie.Stack))
			} else if kind == KindUnlikely {
				logger.ErrorContext(ctx, "Failed to deal with package", "devel", pair.Devel.String(), "parent", pair.Parent.String(), "error", perr, "kind", kind.String())
			} else {
				logger.WarnContext(ctx, "Failed to deal with package", "devel", pair.Devel.String(), "parent", pair.Parent.String(), "error", perr, "kind", kind.String())
			}
			continue
		}

		engineMetrics.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("autosubmit.reason", string(v.Reason))))
		stats.ByReason[v.Reason]++
		if v.Skip() {
			stats.Skipped++
		} else {
			stats.Submitted++
		}

		// A decision already acted upon is recorded even if ctx was just
		// cancelled.
		if err := store.Record(context.WithoutCancel(ctx), v.Parent.PackageIdentity, v.Devel.PackageIdentity, v.Devel.Hash); err != nil {
			return stats, fmt.Errorf("cannot record %s in cache: %w", pair, newInternalError(err))
		}
	}

	completed = true
	return stats, nil
}

// processPair decides and, when needed, submits one pair. A panic is turned
// into an *InternalError carrying the panicking stack, so that the rest of the
// batch still runs.
func (w *Worker) processPair(ctx context.Context, filter *Filter, pair types.Pair) (v Verdict, err error) {
	ctx, span := otel.Tracer(scopeName).Start(ctx, "autosubmit.pair",
		trace.WithAttributes(
			attribute.String("autosubmit.devel", pair.Devel.String()),
			attribute.String("autosubmit.parent", pair.Parent.String()),
		))
	defer func() {
		if r := recover(); r != nil {
			err = newInternalError(fmt.Errorf("internal error while processing %s: %v", pair, r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("autosubmit.reason", string(v.Reason)))
		}
		span.End()
	}()

	v, err = filter.Decide(ctx, pair.Devel, pair.Parent)
	if err != nil {
		return v, err
	}
	if v.Skip() {
		if w.Debug {
			w.printf("Filtered %s\n", pair)
		}
		return v, nil
	}

	if w.Debug {
		w.printf("Submitting %s\n", pair)
	}
	id, err := w.submit(ctx, v.Devel, v.Parent.PackageIdentity)
	if err != nil {
		return v, err
	}
	v.RequestID = id
	return v, nil
}

func (w *Worker) submit(ctx context.Context, devel types.PackageState, parent types.PackageIdentity) (string, error) {
	logger := w.logger()
	if w.Debug {
		logger.Info("Pretending to submit (debug mode)", "devel", devel.String(), "parent", parent.String())
		return "0", nil
	}

	logger.InfoContext(ctx, "Submitting", "devel", devel.String(), "parent", parent.String(), "rev", devel.Rev)
	id, err := w.Source.CreateSubmission(ctx, devel, parent)
	if err != nil {
		return "", newError(parent, err, "failed to submit %s", devel)
	}
	logger.Debug("Submitted", "devel", devel.String(), "parent", parent.String(), "request", id)
	return id, nil
}

const banner = "#####################################################"

func (w *Worker) dump(pairs []types.Pair, registry *Registry) {
	w.printf("%s\nPackages with a diff (%d)\n%s\n", banner, len(pairs), banner)
	for _, pair := range pairs {
		w.printf("%s\n", pair)
	}
	w.printf("\n")

	targets := registry.SubmitTargets()
	w.printf("%s\nPackages already with a submission (%d)\n%s\n", banner, len(targets), banner)
	for _, key := range targets {
		var parts []string
		for _, ref := range registry.submits[key] {
			parts = append(parts, fmt.Sprintf("from %s (%s)", ref.Source.String(), ref.ID))
		}
		w.printf("Requests to %s: %s\n", key, strings.Join(parts, ","))
	}
	w.printf("\n")

	targets = registry.DeleteTargets()
	w.printf("%s\nPackages scheduled for deletion (%d)\n%s\n", banner, len(targets), banner)
	for _, key := range targets {
		w.printf("Delete requests for %s: %s\n", key, strings.Join(registry.deletes[key], ","))
	}
	w.printf("\n")

	w.printf("%s\nFiltering and submitting\n%s\n", banner, banner)
}

func (w *Worker) printf(format string, args ...interface{}) {
	out := w.Out
	if out == nil {
		out = os.Stdout
	}
	_, _ = fmt.Fprintf(out, format, args...)
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.Logger
}

func (w *Worker) policy() *policy.Policy {
	if w.Policy == nil {
		return policy.Default()
	}
	return w.Policy
}
