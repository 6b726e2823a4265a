package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/archive"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/clock"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/metrics"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/publisher"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/telemetry"
)

// Source returns pages of raw records. Implementations classify failures
// with domain.KindTransientSource or domain.KindPermanentSource.
type Source interface {
	GetPage(ctx context.Context, req domain.PageRequest) (*domain.Page, error)
}

// Engine walks the pages of one entity type and publishes a change message
// per distinct identifier in each page.
type Engine struct {
	source    Source
	publisher publisher.Publisher
	archive   archive.Sink
	clock     clock.Clock
	pageDelay time.Duration
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewEngine creates a scan engine. sink and tracer may be nil.
func NewEngine(src Source, pub publisher.Publisher, sink archive.Sink, clk clock.Clock, pageDelay time.Duration, tracer trace.Tracer, logger *zap.Logger) *Engine {
	if sink == nil {
		sink = archive.Noop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{
		source:    src,
		publisher: pub,
		archive:   sink,
		clock:     clk,
		pageDelay: pageDelay,
		tracer:    tracer,
		logger:    logger,
	}
}

// ScanEntity advances the cursor for def until the source is exhausted.
// A cursor that is already complete is left untouched. On error or
// cancellation the cursor keeps the position of the last fully published page.
func (e *Engine) ScanEntity(ctx context.Context, sc *domain.ScanContext, def EntityDefinition) error {
	cursor := sc.Cursor(def.EntityType)
	log := e.logger.With(
		zap.String("correlation_id", sc.CorrelationID),
		zap.String("source", string(sc.Source)),
		zap.String("entity_type", def.EntityType),
	)

	for !cursor.ScanCompleted {
		if ctx.Err() != nil {
			return fmt.Errorf("scan %s: %w", def.EntityType, context.Cause(ctx))
		}

		skip := cursor.CurrentSkip
		page, err := e.fetch(ctx, sc, def, skip)
		if err != nil {
			return err
		}
		if len(page.Records) == 0 {
			cursor.ScanCompleted = true
			break
		}

		e.archivePage(ctx, sc, def, skip, page, log)
		cursor.TotalCount = page.TotalCount

		ids, err := distinctIdentifiers(page.Records, def.IdentifierPath)
		if err != nil {
			return domain.Wrap(domain.KindPermanentSource, "scan "+def.EntityType, fmt.Errorf("page at skip %d: %w", skip, err))
		}
		if err := e.publish(ctx, sc, def, ids); err != nil {
			return err
		}

		cursor.CurrentSkip += len(page.Records)
		log.Debug("Scanned page",
			zap.Int("skip", skip),
			zap.Int("records", len(page.Records)),
			zap.Int("published", len(ids)),
			zap.Int("total_count", cursor.TotalCount),
		)
		if cursor.CurrentSkip >= cursor.TotalCount {
			cursor.ScanCompleted = true
			break
		}

		if err := e.wait(ctx); err != nil {
			return fmt.Errorf("scan %s: %w", def.EntityType, err)
		}
	}

	log.Info("Entity scan completed",
		zap.Int("current_skip", cursor.CurrentSkip),
		zap.Int("total_count", cursor.TotalCount),
	)
	return nil
}

func (e *Engine) fetch(ctx context.Context, sc *domain.ScanContext, def EntityDefinition, skip int) (*domain.Page, error) {
	ctx, span := telemetry.StartSpan(ctx, e.tracer, "scan.fetch_page",
		trace.WithAttributes(
			telemetry.AttrSource.String(string(sc.Source)),
			telemetry.AttrEntityType.String(def.EntityType),
			attribute.Int("scan.skip", skip),
		),
	)
	defer span.End()

	page, err := e.source.GetPage(ctx, domain.PageRequest{
		Source:       sc.Source,
		EntityType:   def.EntityType,
		Skip:         skip,
		Top:          sc.PageSize,
		UpdatedSince: sc.UpdatedSince,
	})
	if err != nil {
		telemetry.RecordError(span, err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("scan %s: %w", def.EntityType, context.Cause(ctx))
		}
		return nil, fmt.Errorf("scan %s at skip %d: %w", def.EntityType, skip, err)
	}
	metrics.PagesFetched.WithLabelValues(string(sc.Source), def.EntityType).Inc()
	return page, nil
}

// archivePage is best effort; a failed write never stops the scan.
func (e *Engine) archivePage(ctx context.Context, sc *domain.ScanContext, def EntityDefinition, skip int, page *domain.Page, log *zap.Logger) {
	body, err := json.Marshal(page.Records)
	if err == nil {
		err = e.archive.Store(ctx, archive.PageKey{
			Source:        string(sc.Source),
			EntityType:    def.EntityType,
			CorrelationID: sc.CorrelationID,
			Skip:          skip,
		}, body)
	}
	if err != nil {
		log.Warn("Failed to archive page", zap.Int("skip", skip), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, sc *domain.ScanContext, def EntityDefinition, ids []string) error {
	for _, id := range ids {
		msg := &domain.ChangeMessage{
			MessageID:     newMessageID(),
			CorrelationID: sc.CorrelationID,
			Source:        sc.Source,
			EntityType:    def.EntityType,
			MessageType:   def.MessageType,
			Identifier:    id,
			CreatedAt:     e.clock.Now(),
		}
		if err := e.publisher.Publish(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("scan %s: %w", def.EntityType, context.Cause(ctx))
			}
			return fmt.Errorf("scan %s: publish %s: %w", def.EntityType, id, err)
		}
		metrics.MessagesPublished.WithLabelValues(string(sc.Source), def.EntityType).Inc()
	}
	return nil
}

func (e *Engine) wait(ctx context.Context) error {
	if e.pageDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-e.clock.After(e.pageDelay):
		return nil
	}
}

// distinctIdentifiers returns the identifiers of records in first-seen order
// with duplicates removed.
func distinctIdentifiers(records []json.RawMessage, path string) ([]string, error) {
	seen := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))
	for i, rec := range records {
		id := strings.TrimSpace(gjson.GetBytes(rec, path).String())
		if id == "" {
			return nil, fmt.Errorf("record %d: %w at %q", i, domain.ErrMissingIdentifier, path)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func newMessageID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
