// Package scan pages through a source registry and announces changed holdings.
package scan

import (
	"fmt"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
)

// EntityDefinition describes one scannable entity type of a source.
// IdentifierPath is a gjson path into each raw record and must yield the
// holding number the record belongs to.
type EntityDefinition struct {
	EntityType     string
	IdentifierPath string
	MessageType    string
}

// SourceDefinition lists the entity types of a source in scan order.
type SourceDefinition struct {
	Source   domain.Source
	Entities []EntityDefinition
}

var definitions = map[domain.Source]SourceDefinition{
	domain.SourceSAM: {
		Source: domain.SourceSAM,
		Entities: []EntityDefinition{
			{EntityType: "holdings", IdentifierPath: "CPH", MessageType: "SamHoldingImport"},
			{EntityType: "holders", IdentifierPath: "CPHH", MessageType: "SamHolderImport"},
			{EntityType: "herds", IdentifierPath: "CPHH", MessageType: "SamHerdImport"},
			{EntityType: "parties", IdentifierPath: "CPHH", MessageType: "SamPartyImport"},
		},
	},
	domain.SourceCTS: {
		Source: domain.SourceCTS,
		Entities: []EntityDefinition{
			{EntityType: "holdings", IdentifierPath: "LID_FULL_IDENTIFIER", MessageType: "CtsHoldingImport"},
			{EntityType: "agents", IdentifierPath: "LID_FULL_IDENTIFIER", MessageType: "CtsAgentImport"},
			{EntityType: "keepers", IdentifierPath: "LID_FULL_IDENTIFIER", MessageType: "CtsKeeperImport"},
		},
	},
}

// Definition returns the catalogue entry for src.
func Definition(src domain.Source) (SourceDefinition, error) {
	def, ok := definitions[src]
	if !ok {
		return SourceDefinition{}, fmt.Errorf("%w: %q", domain.ErrUnknownSource, src)
	}
	def.Entities = append([]EntityDefinition(nil), def.Entities...)
	return def, nil
}
