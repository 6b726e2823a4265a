package reconcile

import (
	"strings"

	"github.com/DEFRA/ls-keeper-data-api-sub001/internal/domain"
)

func norm(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

// resolveReferences points relationships at the stored ids of the sites,
// parties and herds in snap. A role prefers the site with its species code
// and falls back to the holding's first site. Unresolvable references are cleared.
func resolveReferences(snap *domain.Snapshot) {
	parties := make(map[string]string, len(snap.Parties))
	for _, p := range snap.Parties {
		if _, ok := parties[norm(p.PartyID)]; !ok {
			parties[norm(p.PartyID)] = p.ID
		}
	}

	sitesBySpecies := make(map[string]string, len(snap.Sites))
	var firstSite string
	for _, s := range snap.Sites {
		if firstSite == "" {
			firstSite = s.ID
		}
		if _, ok := sitesBySpecies[norm(s.SpeciesCode)]; !ok {
			sitesBySpecies[norm(s.SpeciesCode)] = s.ID
		}
	}

	herds := make(map[string]string, len(snap.Herds))
	for _, h := range snap.Herds {
		if _, ok := herds[norm(h.HerdMark)]; !ok {
			herds[norm(h.HerdMark)] = h.ID
		}
	}

	for _, r := range snap.Roles {
		r.PartyRef = parties[norm(r.PartyID)]
		if id, ok := sitesBySpecies[norm(r.SpeciesCode)]; ok {
			r.SiteRef = id
		} else {
			r.SiteRef = firstSite
		}
	}
	for _, g := range snap.GroupMarks {
		g.PartyRef = parties[norm(g.PartyID)]
		g.HerdRef = herds[norm(g.HerdMark)]
	}
}
