// Package reconstruct builds the per-trace span forest and reconstructs full
// span content from delta-based storage.
//
// The engine is pure: it operates on an in-memory snapshot of one trace's
// spans, never persists anything, and never blocks. The trace store runs
// forest validation through BuildForest before committing an ingestion batch,
// so every persisted trace satisfies forest validity (no dangling parents,
// no cycles).
package reconstruct

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tracebrain/tracebrain/internal/model"
)

// DanglingParentError reports a span whose parent_id does not resolve within
// the same trace.
type DanglingParentError struct {
	SpanID   string
	ParentID string
}

func (e *DanglingParentError) Error() string {
	return fmt.Sprintf("reconstruct: span %s references missing parent %s", e.SpanID, e.ParentID)
}

// CycleError reports a parent chain that revisits a node.
type CycleError struct {
	SpanID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("reconstruct: span %s is part of a parent cycle", e.SpanID)
}

// Forest is an arena of one trace's spans indexed by span_id, with
// precomputed child adjacency. Construction validates the forest; a Forest
// value is therefore always valid.
type Forest struct {
	spans    map[string]model.Span
	children map[string][]string
	roots    []string
}

// BuildForest indexes the given spans, validates parent resolution and
// acyclicity, and returns the forest. Span order in the input is irrelevant;
// sibling and root order follow the per-trace ingestion sequence.
func BuildForest(spans []model.Span) (*Forest, error) {
	f := &Forest{
		spans:    make(map[string]model.Span, len(spans)),
		children: make(map[string][]string),
	}

	for _, s := range spans {
		if _, dup := f.spans[s.SpanID]; dup {
			return nil, fmt.Errorf("reconstruct: duplicate span id %s", s.SpanID)
		}
		f.spans[s.SpanID] = s
	}

	for _, s := range spans {
		if s.ParentID == nil {
			f.roots = append(f.roots, s.SpanID)
			continue
		}
		if _, ok := f.spans[*s.ParentID]; !ok {
			return nil, &DanglingParentError{SpanID: s.SpanID, ParentID: *s.ParentID}
		}
		f.children[*s.ParentID] = append(f.children[*s.ParentID], s.SpanID)
	}

	if err := f.checkCycles(); err != nil {
		return nil, err
	}

	bySeq := func(ids []string) {
		sort.SliceStable(ids, func(i, j int) bool {
			return f.spans[ids[i]].Seq < f.spans[ids[j]].Seq
		})
	}
	bySeq(f.roots)
	for _, ids := range f.children {
		bySeq(ids)
	}

	return f, nil
}

// checkCycles walks each span's ancestor chain with a visited set shared
// across walks, so total cost stays linear in the span count.
func (f *Forest) checkCycles() error {
	const (
		unvisited  = 0
		inProgress = 1
		done       = 2
	)
	state := make(map[string]int, len(f.spans))

	for id := range f.spans {
		if state[id] != unvisited {
			continue
		}
		// Walk up the parent chain, marking the path in progress.
		var path []string
		cur := id
		for {
			switch state[cur] {
			case done:
			case inProgress:
				return &CycleError{SpanID: cur}
			default:
				state[cur] = inProgress
				path = append(path, cur)
				if p := f.spans[cur].ParentID; p != nil {
					cur = *p
					continue
				}
			}
			break
		}
		for _, n := range path {
			state[n] = done
		}
	}
	return nil
}

// Len returns the number of spans in the forest.
func (f *Forest) Len() int {
	return len(f.spans)
}

// Span returns the span with the given id.
func (f *Forest) Span(spanID string) (model.Span, bool) {
	s, ok := f.spans[spanID]
	return s, ok
}

// Roots returns the root span ids in ingestion order.
func (f *Forest) Roots() []string {
	return f.roots
}

// Children returns the child span ids of the given span in ingestion order.
func (f *Forest) Children(spanID string) []string {
	return f.children[spanID]
}

// Reconstruct walks the ancestor chain from the given span up to its root and
// concatenates each node's delta content in root-to-node order. A node
// without a delta contributes nothing. The walk is O(depth) and recomputed
// per call; most read paths only need deltas, so nothing is cached at
// ingestion time. Deterministic for any valid forest.
func (f *Forest) Reconstruct(spanID string) (string, error) {
	s, ok := f.spans[spanID]
	if !ok {
		return "", fmt.Errorf("reconstruct: unknown span id %s", spanID)
	}

	var chain []string
	for {
		if c := model.NewContentOf(s); c != "" {
			chain = append(chain, c)
		}
		if s.ParentID == nil {
			break
		}
		s = f.spans[*s.ParentID]
	}

	var b strings.Builder
	for i := len(chain) - 1; i >= 0; i-- {
		b.WriteString(chain[i])
	}
	return b.String(), nil
}
