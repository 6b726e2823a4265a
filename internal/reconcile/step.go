package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/pipeline"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/repository"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/telemetry"
)

// Entity names used in results and metrics.
const (
	EntitySites      = "sites"
	EntityParties    = "parties"
	EntityHerds      = "herds"
	EntityRoles      = "roles"
	EntityGroupMarks = "group_marks"
)

// Stores holds one document store per reconciled entity type.
type Stores struct {
	Sites      repository.DocumentStore[*domain.Site]
	Parties    repository.DocumentStore[*domain.Party]
	Herds      repository.DocumentStore[*domain.Herd]
	Roles      repository.DocumentStore[*domain.RoleRelationship]
	GroupMarks repository.DocumentStore[*domain.GroupMarkRelationship]
}

// Step reconciles ImportContext.Snapshot into the stores and records a
// summary per entity type in ImportContext.Results.
//
// Entity types are applied in dependency order: sites, parties, herds, then
// role and group mark relationships, whose references are resolved against
// the ids the earlier entity types were stored under.
type Step struct {
	stores Stores
	newID  IDFunc
	tracer trace.Tracer
	logger *zap.Logger
}

var _ pipeline.Step[domain.ImportContext] = (*Step)(nil)

// NewStep creates the reconciliation step. newID and tracer may be nil.
func NewStep(stores Stores, newID IDFunc, tracer trace.Tracer, logger *zap.Logger) *Step {
	if newID == nil {
		newID = NewID
	}
	return &Step{stores: stores, newID: newID, tracer: tracer, logger: logger}
}

func (s *Step) Name() string { return "reconcile" }

func (s *Step) Execute(ctx context.Context, ic *domain.ImportContext) error {
	snap := ic.Snapshot
	if snap == nil {
		return errors.New("reconcile: no snapshot loaded")
	}
	scanKey := strings.TrimSpace(snap.HoldingNumber)
	if scanKey == "" && ic.Message != nil {
		scanKey = ic.Message.Identifier
	}
	if scanKey == "" {
		return domain.Wrap(domain.KindPermanentSource, "reconcile", domain.ErrMissingIdentifier)
	}
	stamp(snap, scanKey, ic.CurrentTime)

	if ic.Results == nil {
		ic.Results = make(map[string]domain.ReconcileSummary)
	}

	run := func(entity string, fn func(ctx context.Context) (domain.ReconcileSummary, error)) error {
		if ctx.Err() != nil {
			return fmt.Errorf("reconcile %s: %w", entity, context.Cause(ctx))
		}
		spanCtx, span := telemetry.StartSpan(ctx, s.tracer, "reconcile."+entity,
			trace.WithAttributes(telemetry.AttrEntityType.String(entity)),
		)
		defer span.End()

		summary, err := fn(spanCtx)
		if err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		ic.Results[entity] = summary
		return nil
	}

	if err := run(EntitySites, func(ctx context.Context) (domain.ReconcileSummary, error) {
		return Entity(ctx, EntitySites, s.stores.Sites, scanKey, snap.Sites, s.newID)
	}); err != nil {
		return err
	}
	if err := run(EntityParties, func(ctx context.Context) (domain.ReconcileSummary, error) {
		return Entity(ctx, EntityParties, s.stores.Parties, scanKey, snap.Parties, s.newID)
	}); err != nil {
		return err
	}
	if err := run(EntityHerds, func(ctx context.Context) (domain.ReconcileSummary, error) {
		return Entity(ctx, EntityHerds, s.stores.Herds, scanKey, snap.Herds, s.newID)
	}); err != nil {
		return err
	}

	resolveReferences(snap)

	if err := run(EntityRoles, func(ctx context.Context) (domain.ReconcileSummary, error) {
		return Entity(ctx, EntityRoles, s.stores.Roles, scanKey, snap.Roles, s.newID)
	}); err != nil {
		return err
	}
	if err := run(EntityGroupMarks, func(ctx context.Context) (domain.ReconcileSummary, error) {
		return Entity(ctx, EntityGroupMarks, s.stores.GroupMarks, scanKey, snap.GroupMarks, s.newID)
	}); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("correlation_id", ic.CorrelationID),
		zap.String("holding_number", scanKey),
	}
	for _, entity := range []string{EntitySites, EntityParties, EntityHerds, EntityRoles, EntityGroupMarks} {
		r := ic.Results[entity]
		fields = append(fields, zap.String(entity, fmt.Sprintf("+%d ~%d -%d", r.Inserted, r.Updated, r.Deleted)))
	}
	s.logger.Info("Holding reconciled", fields...)
	return nil
}

// stamp scopes every document to the holding being imported, so nothing is
// written outside the scan key that orphan detection loads. Nil entries are dropped.
func stamp(snap *domain.Snapshot, scanKey string, now time.Time) {
	snap.HoldingNumber = scanKey
	snap.Sites = each(snap.Sites, func(d *domain.Site) {
		d.HoldingNumber = scanKey
		touch(&d.LastUpdated, now)
	})
	snap.Parties = each(snap.Parties, func(d *domain.Party) {
		d.HoldingNumber = scanKey
		touch(&d.LastUpdated, now)
	})
	snap.Herds = each(snap.Herds, func(d *domain.Herd) {
		d.HoldingNumber = scanKey
		touch(&d.LastUpdated, now)
	})
	snap.Roles = each(snap.Roles, func(d *domain.RoleRelationship) {
		d.HoldingNumber = scanKey
		touch(&d.LastUpdated, now)
	})
	snap.GroupMarks = each(snap.GroupMarks, func(d *domain.GroupMarkRelationship) {
		d.HoldingNumber = scanKey
		touch(&d.LastUpdated, now)
	})
}

func each[T any](docs []*T, fn func(*T)) []*T {
	out := docs[:0]
	for _, d := range docs {
		if d == nil {
			continue
		}
		fn(d)
		out = append(out, d)
	}
	return out
}

func touch(t *time.Time, now time.Time) {
	if !now.IsZero() {
		*t = now
	}
}
