// Package analytics derives aggregate views from stored traces.
//
// Aggregations fold over trace snapshots in a single pass and never mutate
// anything. Statistics that lack data report absence explicitly (nil
// averages, zero counts) rather than zero-filled numbers that read like
// measurements.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tracebrain/tracebrain/internal/model"
)

// Source is the read surface the engine folds over.
type Source interface {
	SnapshotTraces(ctx context.Context, limit int) ([]model.Trace, error)
}

// Engine computes statistics and tool-usage rollups from a Source.
type Engine struct {
	source Source
	logger *slog.Logger

	// snapshotLimit bounds how many recent traces a single rollup reads.
	snapshotLimit int

	group singleflight.Group
}

// New creates an analytics engine over the given source.
func New(source Source, logger *slog.Logger) *Engine {
	return &Engine{
		source:        source,
		logger:        logger,
		snapshotLimit: 10000,
	}
}

// SetSnapshotLimit overrides the default cap on traces read per rollup.
func (e *Engine) SetSnapshotLimit(n int) {
	if n > 0 {
		e.snapshotLimit = n
	}
}

// TraceStats is the aggregate health view over recent traces.
type TraceStats struct {
	TotalTraces   int            `json:"total_traces"`
	StatusCounts  map[string]int `json:"status_counts"`
	SuccessRate   *float64       `json:"success_rate,omitempty"`
	AvgRating     *float64       `json:"avg_rating,omitempty"`
	RatedTraces   int            `json:"rated_traces"`
	AvgConfidence *float64       `json:"avg_confidence,omitempty"`
	Evaluated     int            `json:"evaluated_traces"`
	ErrorCounts   map[string]int `json:"error_counts"`
	TotalSpans    int            `json:"total_spans"`
	TotalTokens   int            `json:"total_tokens"`
	// Episodes carries per-episode rollups for every episode present in the
	// snapshot, ordered by episode id. Traces without an episode id are
	// covered by the trace-level fields only.
	Episodes []EpisodeStats `json:"episodes,omitempty"`
}

// ToolStat is one tool's usage rollup.
type ToolStat struct {
	Name        string  `json:"name"`
	Calls       int     `json:"calls"`
	Errors      int     `json:"errors"`
	ErrorRate   float64 `json:"error_rate"`
	AvgDuration float64 `json:"avg_duration_ms"`
}

// ToolUsage is the per-tool rollup over recent traces, ordered by call count
// descending.
type ToolUsage struct {
	Tools      []ToolStat `json:"tools"`
	TotalCalls int        `json:"total_calls"`
}

// Stats computes the aggregate health view. Concurrent callers share one
// computation per snapshot window.
func (e *Engine) Stats(ctx context.Context) (TraceStats, error) {
	v, err, _ := e.group.Do("stats", func() (any, error) {
		traces, err := e.source.SnapshotTraces(ctx, e.snapshotLimit)
		if err != nil {
			return TraceStats{}, fmt.Errorf("analytics: snapshot for stats: %w", err)
		}
		st := foldStats(traces)
		st.Episodes = foldEpisodes(traces)
		return st, nil
	})
	if err != nil {
		return TraceStats{}, err
	}
	return v.(TraceStats), nil
}

func foldStats(traces []model.Trace) TraceStats {
	st := TraceStats{
		TotalTraces:  len(traces),
		StatusCounts: map[string]int{},
		ErrorCounts:  map[string]int{},
	}

	var ratingSum, finished, succeeded int
	var confidenceSum float64

	for _, tr := range traces {
		status := model.TraceStatusOf(tr)
		if status != "" {
			st.StatusCounts[string(status)]++
		}
		switch status {
		case model.TraceStatusCompleted:
			finished++
			succeeded++
		case model.TraceStatusFailed:
			finished++
		}

		if fb := tr.LatestFeedback(); fb != nil {
			st.RatedTraces++
			ratingSum += fb.Rating
		}
		// Unevaluated traces are excluded from confidence, not counted as zero.
		if ev, ok := model.EvaluationOf(tr); ok {
			st.Evaluated++
			confidenceSum += ev.Confidence
		}
		if et, ok := tr.Attributes[model.AttrErrorType].(string); ok && et != "" {
			st.ErrorCounts[et]++
		}

		for _, s := range tr.Spans {
			st.TotalSpans++
			if u, ok := model.TokenUsageOf(s); ok {
				st.TotalTokens += u.TotalTokens
			}
			if model.SpanHasError(s) {
				if et, ok := s.Attributes[model.AttrErrorType].(string); ok && et != "" {
					st.ErrorCounts[et]++
				}
			}
		}
	}

	if finished > 0 {
		rate := float64(succeeded) / float64(finished)
		st.SuccessRate = &rate
	}
	if st.RatedTraces > 0 {
		avg := float64(ratingSum) / float64(st.RatedTraces)
		st.AvgRating = &avg
	}
	if st.Evaluated > 0 {
		avg := confidenceSum / float64(st.Evaluated)
		st.AvgConfidence = &avg
	}
	return st
}

// Tools computes the per-tool usage rollup. Tool-execution spans without a
// name aggregate under "unknown" so no call goes uncounted.
func (e *Engine) Tools(ctx context.Context) (ToolUsage, error) {
	v, err, _ := e.group.Do("tools", func() (any, error) {
		traces, err := e.source.SnapshotTraces(ctx, e.snapshotLimit)
		if err != nil {
			return ToolUsage{}, fmt.Errorf("analytics: snapshot for tool usage: %w", err)
		}
		return foldTools(traces), nil
	})
	if err != nil {
		return ToolUsage{}, err
	}
	return v.(ToolUsage), nil
}

func foldTools(traces []model.Trace) ToolUsage {
	type acc struct {
		calls, errors int
		duration      time.Duration
	}
	byName := map[string]*acc{}

	total := 0
	for _, tr := range traces {
		for _, s := range tr.Spans {
			if model.SpanTypeOf(s) != model.SpanTypeToolExecution {
				continue
			}
			name := model.ToolNameOf(s)
			a := byName[name]
			if a == nil {
				a = &acc{}
				byName[name] = a
			}
			a.calls++
			total++
			if model.SpanHasError(s) {
				a.errors++
			}
			a.duration += s.EndTime.Sub(s.StartTime)
		}
	}

	usage := ToolUsage{TotalCalls: total, Tools: make([]ToolStat, 0, len(byName))}
	for name, a := range byName {
		stat := ToolStat{
			Name:      name,
			Calls:     a.calls,
			Errors:    a.errors,
			ErrorRate: float64(a.errors) / float64(a.calls),
		}
		stat.AvgDuration = float64(a.duration.Milliseconds()) / float64(a.calls)
		usage.Tools = append(usage.Tools, stat)
	}
	sort.Slice(usage.Tools, func(i, j int) bool {
		if usage.Tools[i].Calls != usage.Tools[j].Calls {
			return usage.Tools[i].Calls > usage.Tools[j].Calls
		}
		return usage.Tools[i].Name < usage.Tools[j].Name
	})
	return usage
}

// EpisodeStats is the rollup for one episode's traces. AvgConfidence is
// averaged over evaluated members only and absent when none carry an
// evaluation.
type EpisodeStats struct {
	EpisodeID     string   `json:"episode_id"`
	TraceCount    int      `json:"trace_count"`
	SuccessRate   *float64 `json:"success_rate,omitempty"`
	AvgRating     *float64 `json:"avg_rating,omitempty"`
	AvgConfidence *float64 `json:"avg_confidence,omitempty"`
	Evaluated     int      `json:"evaluated_traces"`
}

// Episode computes the rollup for one episode from its member traces.
// Callers supply the members; an empty slice means the episode does not
// exist and folds to an all-absent result.
func Episode(episodeID string, traces []model.Trace) EpisodeStats {
	st := foldStats(traces)
	return EpisodeStats{
		EpisodeID:     episodeID,
		TraceCount:    st.TotalTraces,
		SuccessRate:   st.SuccessRate,
		AvgRating:     st.AvgRating,
		AvgConfidence: st.AvgConfidence,
		Evaluated:     st.Evaluated,
	}
}

// foldEpisodes groups a snapshot by episode id and rolls each group up,
// ordered by episode id for stable output.
func foldEpisodes(traces []model.Trace) []EpisodeStats {
	byEpisode := map[string][]model.Trace{}
	for _, tr := range traces {
		if id := model.EpisodeIDOf(tr); id != "" {
			byEpisode[id] = append(byEpisode[id], tr)
		}
	}
	if len(byEpisode) == 0 {
		return nil
	}

	ids := make([]string, 0, len(byEpisode))
	for id := range byEpisode {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	episodes := make([]EpisodeStats, len(ids))
	for i, id := range ids {
		episodes[i] = Episode(id, byEpisode[id])
	}
	return episodes
}
