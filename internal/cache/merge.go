package cache

import (
	"sort"

	"chartfeed/models"
)

// MergeBars returns existing and incoming combined into one ascending,
// duplicate-free sequence. When both sides carry the same time the incoming
// bar wins. Neither input is modified and neither needs to be sorted.
func MergeBars(existing, incoming []models.Bar) []models.Bar {
	out := make([]models.Bar, 0, len(existing)+len(incoming))
	out = append(out, existing...)
	out = append(out, incoming...)

	// stable: for equal times, incoming stays after existing
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })

	w := 0
	for i := range out {
		if w > 0 && out[w-1].Time == out[i].Time {
			out[w-1] = out[i]
			continue
		}
		out[w] = out[i]
		w++
	}
	return out[:w]
}

// before returns the last limit bars strictly earlier than ts.
func before(bars []models.Bar, ts models.Timestamp, limit int) []models.Bar {
	idx := sort.Search(len(bars), func(i int) bool { return bars[i].Time >= ts })
	start := idx - limit
	if start < 0 {
		start = 0
	}
	return append([]models.Bar(nil), bars[start:idx]...)
}

// after returns up to limit bars strictly later than ts.
func after(bars []models.Bar, ts models.Timestamp, limit int) []models.Bar {
	idx := sort.Search(len(bars), func(i int) bool { return bars[i].Time > ts })
	end := idx + limit
	if end > len(bars) {
		end = len(bars)
	}
	return append([]models.Bar(nil), bars[idx:end]...)
}
