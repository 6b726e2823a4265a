package domain

import (
	"strings"
	"time"
)

// Document is a persisted entity reconciled on a composite natural key.
// ScanKey groups the documents that one import may touch.
type Document interface {
	DocID() string
	SetDocID(id string)
	NaturalKey() string
	ScanKey() string
}

func compositeKey(parts ...string) string {
	for i, p := range parts {
		parts[i] = strings.ToUpper(strings.TrimSpace(p))
	}
	return strings.Join(parts, "|")
}

// Site is a holding location.
type Site struct {
	ID               string     `json:"id"`
	HoldingNumber    string     `json:"holdingNumber"`
	LocationName     string     `json:"locationName"`
	SecondaryHolding string     `json:"secondaryHolding"`
	SpeciesCode      string     `json:"speciesCode"`
	SiteType         string     `json:"siteType,omitempty"`
	Address          *Address   `json:"address,omitempty"`
	StartDate        time.Time  `json:"startDate,omitempty"`
	EndDate          *time.Time `json:"endDate,omitempty"`
	LastUpdated      time.Time  `json:"lastUpdated"`
}

func (s *Site) DocID() string      { return s.ID }
func (s *Site) SetDocID(id string) { s.ID = id }
func (s *Site) ScanKey() string    { return s.HoldingNumber }
func (s *Site) NaturalKey() string {
	return compositeKey(s.HoldingNumber, s.LocationName, s.SecondaryHolding, s.SpeciesCode)
}

// Address is a postal address shared by sites and parties.
type Address struct {
	Line1    string `json:"line1,omitempty"`
	Line2    string `json:"line2,omitempty"`
	Town     string `json:"town,omitempty"`
	County   string `json:"county,omitempty"`
	Postcode string `json:"postcode,omitempty"`
	Country  string `json:"country,omitempty"`
}

// Party is a person or organisation associated with a holding.
type Party struct {
	ID               string    `json:"id"`
	PartyID          string    `json:"partyId"`
	HoldingNumber    string    `json:"holdingNumber"`
	Title            string    `json:"title,omitempty"`
	FirstName        string    `json:"firstName,omitempty"`
	LastName         string    `json:"lastName,omitempty"`
	OrganisationName string    `json:"organisationName,omitempty"`
	Email            string    `json:"email,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	Address          *Address  `json:"address,omitempty"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

func (p *Party) DocID() string      { return p.ID }
func (p *Party) SetDocID(id string) { p.ID = id }
func (p *Party) ScanKey() string    { return p.HoldingNumber }
func (p *Party) NaturalKey() string { return compositeKey(p.HoldingNumber, p.PartyID) }

// Herd is a group of animals kept at a holding under one herd mark.
type Herd struct {
	ID                  string    `json:"id"`
	HoldingNumber       string    `json:"holdingNumber"`
	HerdMark            string    `json:"herdMark"`
	SpeciesCode         string    `json:"speciesCode"`
	ProductionUsageCode string    `json:"productionUsageCode"`
	KeeperPartyIDs      []string  `json:"keeperPartyIds,omitempty"`
	LastUpdated         time.Time `json:"lastUpdated"`
}

func (h *Herd) DocID() string      { return h.ID }
func (h *Herd) SetDocID(id string) { h.ID = id }
func (h *Herd) ScanKey() string    { return h.HoldingNumber }
func (h *Herd) NaturalKey() string {
	return compositeKey(h.HoldingNumber, h.HerdMark, h.SpeciesCode, h.ProductionUsageCode)
}

// RoleRelationship links a party to a site in a role such as keeper or agent.
// SiteRef and PartyRef hold the reconciled document ids.
type RoleRelationship struct {
	ID            string     `json:"id"`
	HoldingNumber string     `json:"holdingNumber"`
	PartyID       string     `json:"partyId"`
	RoleCode      string     `json:"roleCode"`
	SpeciesCode   string     `json:"speciesCode"`
	EffectiveFrom time.Time  `json:"effectiveFrom,omitempty"`
	EffectiveTo   *time.Time `json:"effectiveTo,omitempty"`
	SiteRef       string     `json:"siteRef,omitempty"`
	PartyRef      string     `json:"partyRef,omitempty"`
	LastUpdated   time.Time  `json:"lastUpdated"`
}

func (r *RoleRelationship) DocID() string      { return r.ID }
func (r *RoleRelationship) SetDocID(id string) { r.ID = id }
func (r *RoleRelationship) ScanKey() string    { return r.HoldingNumber }
func (r *RoleRelationship) NaturalKey() string {
	return compositeKey(r.HoldingNumber, r.PartyID, r.RoleCode, r.SpeciesCode)
}

// GroupMarkRelationship links a party in a role to a herd mark at a holding.
type GroupMarkRelationship struct {
	ID            string    `json:"id"`
	HoldingNumber string    `json:"holdingNumber"`
	HerdMark      string    `json:"herdMark"`
	PartyID       string    `json:"partyId"`
	RoleCode      string    `json:"roleCode"`
	SpeciesCode   string    `json:"speciesCode"`
	HerdRef       string    `json:"herdRef,omitempty"`
	PartyRef      string    `json:"partyRef,omitempty"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

func (g *GroupMarkRelationship) DocID() string      { return g.ID }
func (g *GroupMarkRelationship) SetDocID(id string) { g.ID = id }
func (g *GroupMarkRelationship) ScanKey() string    { return g.HoldingNumber }
func (g *GroupMarkRelationship) NaturalKey() string {
	return compositeKey(g.HoldingNumber, g.HerdMark, g.PartyID, g.RoleCode)
}

// Snapshot is the mapped state of one holding as reported by a source.
type Snapshot struct {
	HoldingNumber string                   `json:"holdingNumber"`
	Sites         []*Site                  `json:"sites"`
	Parties       []*Party                 `json:"parties"`
	Herds         []*Herd                  `json:"herds"`
	Roles         []*RoleRelationship      `json:"roles"`
	GroupMarks    []*GroupMarkRelationship `json:"groupMarks"`
}

// ReconcileSummary counts the writes applied for one entity type.
type ReconcileSummary struct {
	Inserted int
	Updated  int
	Deleted  int
}

// ImportContext is the state threaded through one import pipeline run.
type ImportContext struct {
	CorrelationID string
	Message       *ChangeMessage
	CurrentTime   time.Time
	Snapshot      *Snapshot
	Results       map[string]ReconcileSummary
}
