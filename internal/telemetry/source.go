package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/autosubmit/internal/autosubmit"
	"github.com/steveyegge/autosubmit/internal/obs"
	"github.com/steveyegge/autosubmit/internal/types"
)

const sourceScopeName = "github.com/steveyegge/autosubmit/obs"

// InstrumentedSource wraps autosubmit.Source with OTel tracing and metrics.
// Every call gets a span and is counted in autosubmit.obs.* metrics.
type InstrumentedSource struct {
	inner  autosubmit.Source
	tracer trace.Tracer
	calls  metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

var _ autosubmit.Source = (*InstrumentedSource)(nil)

// WrapSource returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is.
func WrapSource(s autosubmit.Source) autosubmit.Source {
	if !Enabled() {
		return s
	}
	return newInstrumentedSource(s, Tracer(sourceScopeName), Meter(sourceScopeName))
}

func newInstrumentedSource(s autosubmit.Source, tracer trace.Tracer, m metric.Meter) *InstrumentedSource {
	calls, _ := m.Int64Counter("autosubmit.obs.calls",
		metric.WithDescription("Build service API calls issued"),
	)
	dur, _ := m.Float64Histogram("autosubmit.obs.call.duration",
		metric.WithDescription("Build service API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("autosubmit.obs.errors",
		metric.WithDescription("Build service API calls that failed"),
	)
	return &InstrumentedSource{inner: s, tracer: tracer, calls: calls, dur: dur, errs: errs}
}

func (s *InstrumentedSource) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("obs.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "obs."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("obs.operation", name)))
	return ctx, span, time.Now()
}

func (s *InstrumentedSource) done(ctx context.Context, span trace.Span, name string, start time.Time, err error) {
	opAttr := metric.WithAttributes(attribute.String("obs.operation", name))
	s.dur.Record(ctx, float64(time.Since(start).Milliseconds()), opAttr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, opAttr)
	}
	span.End()
}

func (s *InstrumentedSource) FetchProjectStatus(ctx context.Context, project string) (*obs.StatusDocument, error) {
	ctx, span, t := s.op(ctx, "FetchProjectStatus", attribute.String("obs.project", project))
	doc, err := s.inner.FetchProjectStatus(ctx, project)
	if err == nil && doc != nil {
		span.SetAttributes(attribute.Int("obs.package.count", len(doc.Packages)))
	}
	s.done(ctx, span, "FetchProjectStatus", t, err)
	return doc, err
}

func (s *InstrumentedSource) FetchOpenRequests(ctx context.Context, project string) (*obs.RequestCollection, error) {
	ctx, span, t := s.op(ctx, "FetchOpenRequests", attribute.String("obs.project", project))
	coll, err := s.inner.FetchOpenRequests(ctx, project)
	if err == nil && coll != nil {
		span.SetAttributes(attribute.Int("obs.request.count", len(coll.Requests)))
	}
	s.done(ctx, span, "FetchOpenRequests", t, err)
	return coll, err
}

func (s *InstrumentedSource) FetchPackageRequests(ctx context.Context, project, pkg string) (*obs.RequestCollection, error) {
	ctx, span, t := s.op(ctx, "FetchPackageRequests",
		attribute.String("obs.project", project),
		attribute.String("obs.package", pkg),
	)
	coll, err := s.inner.FetchPackageRequests(ctx, project, pkg)
	s.done(ctx, span, "FetchPackageRequests", t, err)
	return coll, err
}

func (s *InstrumentedSource) FetchPackageState(ctx context.Context, project, pkg, rev string) (types.PackageState, error) {
	ctx, span, t := s.op(ctx, "FetchPackageState",
		attribute.String("obs.project", project),
		attribute.String("obs.package", pkg),
		attribute.String("obs.rev", rev),
	)
	st, err := s.inner.FetchPackageState(ctx, project, pkg, rev)
	s.done(ctx, span, "FetchPackageState", t, err)
	return st, err
}

func (s *InstrumentedSource) FetchChangesHash(ctx context.Context, project, pkg, rev string) (string, error) {
	ctx, span, t := s.op(ctx, "FetchChangesHash",
		attribute.String("obs.project", project),
		attribute.String("obs.package", pkg),
		attribute.String("obs.rev", rev),
	)
	hash, err := s.inner.FetchChangesHash(ctx, project, pkg, rev)
	s.done(ctx, span, "FetchChangesHash", t, err)
	return hash, err
}

func (s *InstrumentedSource) CreateSubmission(ctx context.Context, source types.PackageState, target types.PackageIdentity) (string, error) {
	ctx, span, t := s.op(ctx, "CreateSubmission",
		attribute.String("obs.source", source.String()),
		attribute.String("obs.target", target.String()),
	)
	id, err := s.inner.CreateSubmission(ctx, source, target)
	if err == nil {
		span.SetAttributes(attribute.String("obs.request.id", id))
	}
	s.done(ctx, span, "CreateSubmission", t, err)
	return id, err
}
