package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/tracebrain/tracebrain/internal/model"
	"github.com/tracebrain/tracebrain/internal/reconstruct"
)

func (s *Server) registerResources() {
	// tracebrain://traces/recent — most recently ingested traces.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"tracebrain://traces/recent",
			"Recent Traces",
			mcplib.WithResourceDescription("Most recently ingested agent traces"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTracesRecent,
	)

	// tracebrain://stats — aggregate store statistics.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"tracebrain://stats",
			"Store Statistics",
			mcplib.WithResourceDescription("Aggregate statistics over the trace store"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStatsResource,
	)

	// tracebrain://episode/{id}/traces — all traces in one episode.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"tracebrain://episode/{id}/traces",
			"Episode Traces",
			mcplib.WithTemplateDescription("All traces belonging to a specific episode, in ingestion order"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleEpisodeResource,
	)
}

func (s *Server) handleTracesRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	traces, total, err := s.store.ListTraces(ctx, model.TraceFilter{}, 0, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent traces: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"traces": traces,
		"total":  total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal traces: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "tracebrain://traces/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleStatsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	stats, err := s.analytics.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: stats: %w", err)
	}

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal stats: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "tracebrain://stats",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// parseEpisodeURI extracts the episode id from tracebrain://episode/{id}/traces.
func parseEpisodeURI(uri string) (string, error) {
	const prefix, suffix = "tracebrain://episode/", "/traces"
	if !strings.HasPrefix(uri, prefix) || !strings.HasSuffix(uri, suffix) {
		return "", fmt.Errorf("mcp: invalid episode URI: %s", uri)
	}
	episodeID := strings.TrimSuffix(strings.TrimPrefix(uri, prefix), suffix)
	if episodeID == "" {
		return "", fmt.Errorf("mcp: empty episode id in URI: %s", uri)
	}
	return episodeID, nil
}

func (s *Server) handleEpisodeResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	episodeID, err := parseEpisodeURI(uri)
	if err != nil {
		return nil, err
	}

	traces, err := s.store.ListEpisodeTraces(ctx, episodeID)
	if err != nil {
		return nil, fmt.Errorf("mcp: episode traces: %w", err)
	}

	views := make([]model.TraceView, len(traces))
	for i, tr := range traces {
		view, err := reconstruct.View(tr)
		if err != nil {
			return nil, fmt.Errorf("mcp: reconstruct episode trace: %w", err)
		}
		views[i] = view
	}

	data, err := json.MarshalIndent(map[string]any{
		"episode_id": episodeID,
		"traces":     views,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal episode: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
