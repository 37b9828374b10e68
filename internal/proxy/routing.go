package proxy

import (
	"sort"
	"strings"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// candidates builds the ordered list of adapters to attempt for one request:
//
//  1. available adapters only
//  2. stable sort by priority, name breaking ties
//  3. an explicit provider preference moves to the head (unknown names are
//     ignored silently — a bad hint must not fail the request)
//  4. a model hint keeps only adapters that support it, unless that would
//     empty the list, in which case the hint is ignored
//  5. embedding requests drop adapters without embedding support
//  6. with fallback disabled only the head survives
func (g *Gateway) candidates(preferred, model string, embedding bool) []providers.Provider {
	avail := make([]providers.Provider, 0, len(g.providers))
	for _, p := range g.providers {
		if p.Available() {
			avail = append(avail, p)
		}
	}

	sort.SliceStable(avail, func(i, j int) bool {
		if avail[i].Priority() != avail[j].Priority() {
			return avail[i].Priority() < avail[j].Priority()
		}
		return avail[i].Name() < avail[j].Name()
	})

	if preferred != "" {
		for i, p := range avail {
			if strings.EqualFold(p.Name(), preferred) {
				hoisted := avail[i]
				avail = append(avail[:i], avail[i+1:]...)
				avail = append([]providers.Provider{hoisted}, avail...)
				break
			}
		}
	}

	if model != "" {
		matching := make([]providers.Provider, 0, len(avail))
		for _, p := range avail {
			if p.SupportsModel(model) {
				matching = append(matching, p)
			}
		}
		if len(matching) > 0 {
			avail = matching
		}
	}

	if embedding {
		capable := make([]providers.Provider, 0, len(avail))
		for _, p := range avail {
			if ec, ok := p.(providers.EmbeddingCapable); ok && ec.SupportsEmbedding() {
				capable = append(capable, p)
			}
		}
		avail = capable
	}

	if !g.routing.FallbackEnabled && len(avail) > 1 {
		avail = avail[:1]
	}

	return avail
}
