package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/go-mcp"
)

// MCPSearcher performs the optional web-search augmentation step by calling
// a search tool exposed over MCP.
type MCPSearcher struct {
	client *mcp.Client
	tool   string

	logger *slog.Logger
}

// NewMCPSearcher wraps a connected MCP client and the name of the tool to
// call for searches.
func NewMCPSearcher(client *mcp.Client, tool string, logger *slog.Logger) MCPSearcher {
	return MCPSearcher{
		client: client,
		tool:   tool,
		logger: logger.With(slog.String("module", "search")),
	}
}

// Search runs the query through the MCP tool and concatenates the text
// contents of the result.
func (s MCPSearcher) Search(ctx context.Context, query string) (string, error) {
	args, err := json.Marshal(struct {
		Query string `json:"query"`
	}{Query: query})
	if err != nil {
		return "", fmt.Errorf("failed to marshal search arguments: %w", err)
	}

	s.logger.Debug("Calling search tool",
		slog.String("tool", s.tool),
		slog.String("query", query))

	res, err := s.client.CallTool(ctx, mcp.CallToolParams{
		Name:      s.tool,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("search tool call failed: %w", err)
	}
	if res.IsError {
		return "", errors.New("search tool reported an error")
	}

	var sb strings.Builder
	for _, content := range res.Content {
		if content.Type == mcp.ContentTypeText && content.Text != "" {
			sb.WriteString(content.Text)
			sb.WriteString("\n")
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("search tool returned no text")
	}
	return sb.String(), nil
}
