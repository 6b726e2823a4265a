package scan

import (
	"context"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/pipeline"
)

// Step scans one entity type. It reads PageSize, UpdatedSince and
// CorrelationID from the scan context and writes the entity's cursor.
type Step struct {
	engine *Engine
	def    EntityDefinition
}

var _ pipeline.Step[domain.ScanContext] = (*Step)(nil)

func NewStep(engine *Engine, def EntityDefinition) *Step {
	return &Step{engine: engine, def: def}
}

func (s *Step) Name() string { return "scan-" + s.def.EntityType }

func (s *Step) Execute(ctx context.Context, sc *domain.ScanContext) error {
	return s.engine.ScanEntity(ctx, sc, s.def)
}

// Steps returns one step per entity type of def, in catalogue order.
func Steps(engine *Engine, def SourceDefinition) []pipeline.Step[domain.ScanContext] {
	steps := make([]pipeline.Step[domain.ScanContext], 0, len(def.Entities))
	for _, e := range def.Entities {
		steps = append(steps, NewStep(engine, e))
	}
	return steps
}
