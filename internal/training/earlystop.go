package training

// shouldStopEarly reports whether the newest epoch failed to improve on
// the patience epochs before it. It never fires until the history holds
// more than patience entries, and a patience of zero disables it.
func shouldStopEarly(history []EpochMetrics, patience int) bool {
	if patience <= 0 || len(history) <= patience {
		return false
	}
	window := history[len(history)-patience-1:]
	current := window[len(window)-1].stopMetric()
	best := window[0].stopMetric()
	for _, m := range window[1 : len(window)-1] {
		if v := m.stopMetric(); v < best {
			best = v
		}
	}
	return current >= best
}
