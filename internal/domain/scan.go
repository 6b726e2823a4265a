package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source identifies an external registry.
type Source string

const (
	SourceSAM Source = "sam"
	SourceCTS Source = "cts"
)

// ScanMode selects between a full walk and an incremental walk of a source.
type ScanMode string

const (
	ModeBulk  ScanMode = "bulk"
	ModeDaily ScanMode = "daily"
)

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceSAM, SourceCTS:
		return Source(s), nil
	}
	return "", fmt.Errorf("%w: source %q", ErrUnknownSource, s)
}

// ParseScanMode validates a scan mode name.
func ParseScanMode(s string) (ScanMode, error) {
	switch ScanMode(s) {
	case ModeBulk, ModeDaily:
		return ScanMode(s), nil
	}
	return "", fmt.Errorf("%w: mode %q", ErrUnknownSource, s)
}

// Lease is exclusive, time-bounded ownership of a named resource.
type Lease struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EntityScanCursor is the pagination state of one entity type within a run.
type EntityScanCursor struct {
	CurrentSkip   int
	TotalCount    int
	ScanCompleted bool
}

// ScanContext is the state threaded through one scan pipeline run.
// A nil UpdatedSince means a bulk scan.
type ScanContext struct {
	CorrelationID string
	Source        Source
	Mode          ScanMode
	CurrentTime   time.Time
	UpdatedSince  *time.Time
	PageSize      int
	Cursors       map[string]*EntityScanCursor
}

// NewScanContext builds a fresh context for one run.
func NewScanContext(correlationID string, source Source, mode ScanMode, now time.Time, updatedSince *time.Time, pageSize int) *ScanContext {
	return &ScanContext{
		CorrelationID: correlationID,
		Source:        source,
		Mode:          mode,
		CurrentTime:   now,
		UpdatedSince:  updatedSince,
		PageSize:      pageSize,
		Cursors:       make(map[string]*EntityScanCursor),
	}
}

// Cursor returns the cursor for entityType, creating it on first use.
func (sc *ScanContext) Cursor(entityType string) *EntityScanCursor {
	if sc.Cursors == nil {
		sc.Cursors = make(map[string]*EntityScanCursor)
	}
	c, ok := sc.Cursors[entityType]
	if !ok {
		c = &EntityScanCursor{}
		sc.Cursors[entityType] = c
	}
	return c
}

// PageRequest asks a source for one page of one entity type.
type PageRequest struct {
	Source       Source
	EntityType   string
	Skip         int
	Top          int
	UpdatedSince *time.Time
}

// Page is one page of raw source records.
type Page struct {
	Records    []json.RawMessage
	Count      int
	TotalCount int
}
