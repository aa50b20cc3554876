package mpt

// MergeUpdates combines two already key-sorted update batches into one
// sorted batch, the supplemented parallel-merge helper grounded on
// merge.c's do_merge/merge_trie pairing of a previous trie with a pending
// update list. Used internally by Engine.ApplyMerged when updates arrive
// from more than one source (e.g. ordinary execution plus an out-of-band
// replay) that must be interleaved by key before descent.
func MergeUpdates(a, b []Update) []Update {
	out := make([]Update, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		c := comparePaths(a[i].Key, b[j].Key)
		switch {
		case c < 0:
			out = append(out, a[i])
			i++
		case c > 0:
			out = append(out, b[j])
			j++
		default:
			// Same key in both batches: the second source wins, matching
			// merge.c's tmp-trie-overrides-prev-trie precedence.
			out = append(out, b[j])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
