// Tonearm - Self-Hosted Music Streaming and Discovery
// Copyright 2026 The Tonearm Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tonearm/tonearm

package recommend

import "github.com/tonearm/tonearm/internal/store"

// quotas is the per-tier allocation for one generation run.
type quotas struct {
	High     int
	Medium   int
	Explore  int
	Wildcard int
}

// Total sums all tier allocations.
func (q quotas) Total() int {
	return q.High + q.Medium + q.Explore + q.Wildcard
}

// allocateQuotas splits target 30/40/20/10 across the tiers, then
// cascades deficits from undersupplied tiers: a high shortfall
// redistributes 60% to medium and 40% to explore, a medium shortfall
// goes entirely to explore. The wildcard quota is fixed; it is filled
// independently from tag exploration, never from the similarity graph.
// Total never exceeds target.
func allocateQuotas(target int, avail map[store.Tier]int) quotas {
	if target <= 0 {
		return quotas{}
	}

	q := quotas{
		High:     target * highShare / 100,
		Medium:   target * mediumShare / 100,
		Wildcard: target * wildcardShare / 100,
	}
	// Explore takes the remainder so the shares always conserve target.
	q.Explore = target - q.High - q.Medium - q.Wildcard

	if deficit := q.High - avail[store.TierHigh]; deficit > 0 {
		q.High -= deficit
		toMedium := deficit * 60 / 100
		q.Medium += toMedium
		q.Explore += deficit - toMedium
	}
	if deficit := q.Medium - avail[store.TierMedium]; deficit > 0 {
		q.Medium -= deficit
		q.Explore += deficit
	}
	if deficit := q.Explore - avail[store.TierExplore]; deficit > 0 {
		// Explore shortfall is not redistributed here; the progressive
		// fallback passes absorb it after tiered selection.
		q.Explore -= deficit
	}
	return q
}
