package reconstruct

import "github.com/tracebrain/tracebrain/internal/model"

// View assembles the read model for one trace: every span paired with its
// full content reconstructed from the ancestor chain's deltas.
func View(tr model.Trace) (model.TraceView, error) {
	forest, err := BuildForest(tr.Spans)
	if err != nil {
		return model.TraceView{}, err
	}
	view := model.TraceView{
		TraceID:    tr.TraceID,
		Attributes: tr.Attributes,
		Spans:      make([]model.SpanView, len(tr.Spans)),
		Feedbacks:  tr.Feedbacks,
		CreatedAt:  tr.CreatedAt,
	}
	for i, s := range tr.Spans {
		content, err := forest.Reconstruct(s.SpanID)
		if err != nil {
			return model.TraceView{}, err
		}
		view.Spans[i] = model.SpanView{Span: s, ReconstructedContent: content}
	}
	return view, nil
}
