package queue

// MergeExtra applies patch to extra with per-key last-write-wins semantics
// and returns the merged map. A nil patch clears extra. The inputs are not
// modified.
func MergeExtra(extra, patch map[string]any) map[string]any {
	if patch == nil {
		return nil
	}
	out := make(map[string]any, len(extra)+len(patch))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
