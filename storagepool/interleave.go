package storagepool

import "sort"

// interleavedAssignment computes, for N total chunks spread across devices
// with per-device chunk counts `counts` (index-aligned with the caller's
// device slice), which device index owns chunk i — the fractional-remainder
// algorithm of spec §4.1 that keeps per-device gaps bounded by
// ⌈N/countsᵢ⌉ + 1.
//
// Devices are processed largest-chunk-count first so that the smallest
// device's chunks are spread out as evenly as possible across the full
// sequence, rather than clustering at one end.
func interleavedAssignment(counts []int) []int {
	total := 0
	for _, c := range counts {
		total += c
	}
	assignment := make([]int, total)

	order := make([]int, len(counts))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return counts[order[a]] > counts[order[b]] })

	remaining := make([]int, total)
	for i := range remaining {
		remaining[i] = -1
	}

	// Accumulate a running "credit" per device proportional to its share of
	// the total; emit a chunk for whichever device has the largest credit
	// backlog at each position. This is the classic bresenham-style
	// fractional-remainder distribution.
	type acc struct {
		dev       int
		credit    float64
		share     float64
		remaining int
	}
	accs := make([]*acc, len(counts))
	for i, devIdx := range order {
		accs[i] = &acc{dev: devIdx, share: float64(counts[devIdx]), remaining: counts[devIdx]}
	}

	for pos := 0; pos < total; pos++ {
		best := -1
		var bestCredit float64 = -1
		for i, a := range accs {
			if a.remaining == 0 {
				continue
			}
			a.credit += a.share
			if a.credit > bestCredit {
				bestCredit = a.credit
				best = i
			}
		}
		chosen := accs[best]
		chosen.credit -= float64(total)
		chosen.remaining--
		assignment[pos] = chosen.dev
	}
	return assignment
}

// deviceMeanGap returns the mean spacing between consecutive chunks
// assigned to dev within assignment, used by the interleaving property
// tests (spec §8 property 3 / scenario S2).
func deviceMeanGap(assignment []int, dev int) float64 {
	var positions []int
	for i, d := range assignment {
		if d == dev {
			positions = append(positions, i)
		}
	}
	if len(positions) < 2 {
		return float64(len(assignment))
	}
	total := 0
	for i := 1; i < len(positions); i++ {
		total += positions[i] - positions[i-1]
	}
	return float64(total) / float64(len(positions)-1)
}
