package classifier

import (
	"container/heap"
	"slices"
	"strconv"
)

// scored is one candidate for the top-K heap.
type scored struct {
	index int
	score float32
}

// minHeap keeps the K best candidates with the worst one at the root. Worse
// means lower score, or equal score and higher class index.
type minHeap []scored

func worse(a, b scored) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.index > b.index
}

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) { *h = append(*h, x.(scored)) }

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TopK returns the at most k scores strictly greater than threshold, ordered
// by score descending with ties broken by ascending index. Labels are taken
// from labels by index; a missing label falls back to the index itself.
func TopK(scores []float32, labels []string, k int, threshold float32) []Recognition {
	if k <= 0 {
		return nil
	}
	h := make(minHeap, 0, k)
	for i, s := range scores {
		if !(s > threshold) {
			continue
		}
		c := scored{index: i, score: s}
		if h.Len() < k {
			heap.Push(&h, c)
			continue
		}
		if worse(h[0], c) {
			h[0] = c
			heap.Fix(&h, 0)
		}
	}

	slices.SortFunc(h, func(a, b scored) int {
		switch {
		case worse(b, a):
			return -1
		case worse(a, b):
			return 1
		default:
			return 0
		}
	})

	out := make([]Recognition, len(h))
	for i, c := range h {
		label := strconv.Itoa(c.index)
		if c.index < len(labels) && labels[c.index] != "" {
			label = labels[c.index]
		}
		out[i] = Recognition{
			ID:         strconv.Itoa(c.index),
			Label:      label,
			Confidence: c.score,
		}
	}
	return out
}
