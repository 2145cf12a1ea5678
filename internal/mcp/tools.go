package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/contribrank/internal/discovery"
	"github.com/dshills/contribrank/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams         = -32602 // Invalid method parameters
	ErrorCodeInternalError         = -32603 // Internal JSON-RPC error
	ErrorCodeNotFound              = -32001 // Unknown user, repository or opportunity
	ErrorCodeDependencyUnavailable = -32002 // Embedding provider or index temporarily unavailable
)

// Tool names
const (
	ToolSearchOpportunities   = "search_opportunities"
	ToolFeedForUser           = "feed_for_user"
	ToolTrendingOpportunities = "trending_opportunities"
	ToolRepositoryHealth      = "repository_health"
	ToolIndexStatus           = "index_status"
)

// Parameter defaults
const (
	DefaultLimit               = 10
	MaxLimit                   = 100
	DefaultTrendingWindowHours = 168.0
)

// handleSearchOpportunities handles the search_opportunities tool invocation
func (s *Server) handleSearchOpportunities(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	limit, err := getLimit(args)
	if err != nil {
		return nil, err
	}
	vector, err := getVector(args, "vector")
	if err != nil {
		return nil, err
	}
	query := getStringDefault(args, "query", "")
	if strings.TrimSpace(query) == "" && len(vector) == 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "query or vector is required", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}
	filters, err := getFilters(args)
	if err != nil {
		return nil, err
	}

	resp, err := s.discovery.Search(ctx, discovery.SearchRequest{
		Text:    query,
		Vector:  vector,
		Filters: filters,
		Limit:   limit,
	})
	if err != nil {
		return nil, s.toolError(ToolSearchOpportunities, err)
	}
	return mcp.NewToolResultText(formatJSON(resp)), nil
}

// handleFeedForUser handles the feed_for_user tool invocation
func (s *Server) handleFeedForUser(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	userID, err := getRequiredString(args, "user_id")
	if err != nil {
		return nil, err
	}
	limit, err := getLimit(args)
	if err != nil {
		return nil, err
	}

	results, err := s.discovery.FeedForUser(ctx, userID, limit)
	if err != nil {
		return nil, s.toolError(ToolFeedForUser, err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"user_id": userID,
		"results": results,
	})), nil
}

// handleTrendingOpportunities handles the trending_opportunities tool invocation
func (s *Server) handleTrendingOpportunities(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		args = map[string]interface{}{}
	}

	limit, err := getLimit(args)
	if err != nil {
		return nil, err
	}
	hours := getFloatDefault(args, "window_hours", DefaultTrendingWindowHours)
	if hours <= 0 || math.IsNaN(hours) || math.IsInf(hours, 0) {
		return nil, newMCPError(ErrorCodeInvalidParams, "window_hours must be > 0", map[string]interface{}{
			"param": "window_hours",
			"value": hours,
		})
	}
	minEngagement := getIntDefault(args, "min_engagement", 0)
	if minEngagement < 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "min_engagement must be >= 0", map[string]interface{}{
			"param": "min_engagement",
			"value": minEngagement,
		})
	}

	window := time.Duration(hours * float64(time.Hour))
	results, err := s.discovery.TrendingOpportunities(ctx, window, minEngagement, limit)
	if err != nil {
		return nil, s.toolError(ToolTrendingOpportunities, err)
	}

	items := make([]map[string]interface{}, len(results))
	for i, r := range results {
		items[i] = map[string]interface{}{
			"id":            r.Opportunity.ID,
			"repository_id": r.Opportunity.RepositoryID,
			"title":         r.Opportunity.Title,
			"type":          r.Opportunity.Type,
			"difficulty":    r.Opportunity.Difficulty,
			"status":        r.Opportunity.Status,
			"created_at":    r.Opportunity.CreatedAt.Format(time.RFC3339),
			"engagement":    r.Engagement,
			"score":         r.Score,
		}
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"window_hours": hours,
		"results":      items,
	})), nil
}

// handleRepositoryHealth handles the repository_health tool invocation
func (s *Server) handleRepositoryHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	repoID, err := getRequiredString(args, "repository_id")
	if err != nil {
		return nil, err
	}

	score, err := s.discovery.RepositoryHealth(ctx, repoID)
	if err != nil {
		return nil, s.toolError(ToolRepositoryHealth, err)
	}
	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"repository_id": repoID,
		"health_score":  score,
	})), nil
}

// handleIndexStatus handles the index_status tool invocation
func (s *Server) handleIndexStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.discovery.Status(ctx)
	if err != nil {
		return nil, s.toolError(ToolIndexStatus, err)
	}
	return mcp.NewToolResultText(formatJSON(status)), nil
}

// Helper functions

// toolError converts a domain error into an MCP error, logging failures
// that are not the caller's fault.
func (s *Server) toolError(tool string, err error) error {
	mcpErr := mapError(err)
	if mcpErr.Code == ErrorCodeInternalError || mcpErr.Code == ErrorCodeDependencyUnavailable {
		s.logger.Error("tool call failed", "tool", tool, "error", err)
	}
	return mcpErr
}

// mapError classifies err by the domain error classes.
func mapError(err error) *MCPError {
	var nf *types.NotFoundError
	switch {
	case errors.As(err, &nf):
		return &MCPError{Code: ErrorCodeNotFound, Message: err.Error(), Data: map[string]interface{}{
			"entity": nf.Entity,
			"id":     nf.ID,
		}}
	case errors.Is(err, types.ErrNotFound):
		return &MCPError{Code: ErrorCodeNotFound, Message: err.Error()}
	case errors.Is(err, types.ErrValidation):
		return &MCPError{Code: ErrorCodeInvalidParams, Message: err.Error()}
	case errors.Is(err, types.ErrDependencyUnavailable):
		return &MCPError{Code: ErrorCodeDependencyUnavailable, Message: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrorCodeInternalError, Message: "request cancelled", Data: map[string]interface{}{
			"error": err.Error(),
		}}
	}
	return &MCPError{Code: ErrorCodeInternalError, Message: "internal error", Data: map[string]interface{}{
		"error": err.Error(),
	}}
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

func getLimit(args map[string]interface{}) (int, error) {
	limit := getIntDefault(args, "limit", DefaultLimit)
	if limit < 1 || limit > MaxLimit {
		return 0, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("limit must be between 1 and %d", MaxLimit), map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}
	return limit, nil
}

func getRequiredString(args map[string]interface{}, key string) (string, error) {
	val, ok := args[key].(string)
	if !ok || strings.TrimSpace(val) == "" {
		return "", newMCPError(ErrorCodeInvalidParams, key+" parameter is required", map[string]interface{}{
			"param":  key,
			"reason": "missing or empty",
		})
	}
	return val, nil
}

// getVector extracts an optional array of numbers
func getVector(args map[string]interface{}, key string) ([]float32, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, invalidParam(key, "must be an array of numbers")
	}
	vector := make([]float32, len(items))
	for i, item := range items {
		f, ok := item.(float64)
		if !ok {
			return nil, invalidParam(key, fmt.Sprintf("element %d is not a number", i))
		}
		vector[i] = float32(f)
	}
	return vector, nil
}

// getStrings extracts an optional array of strings
func getStrings(args map[string]interface{}, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, invalidParam(key, "must be an array of strings")
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, invalidParam(key, fmt.Sprintf("element %d is not a string", i))
		}
		out = append(out, str)
	}
	return out, nil
}

func getFilters(args map[string]interface{}) (discovery.Filters, error) {
	var f discovery.Filters
	raw, ok := args["filters"]
	if !ok || raw == nil {
		return f, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return f, invalidParam("filters", "must be an object")
	}

	statuses, err := getStrings(m, "statuses")
	if err != nil {
		return f, err
	}
	for _, st := range statuses {
		status := types.Status(st)
		if !status.Valid() {
			return f, invalidParam("filters.statuses", fmt.Sprintf("unknown status %q", st))
		}
		f.Statuses = append(f.Statuses, status)
	}

	kinds, err := getStrings(m, "types")
	if err != nil {
		return f, err
	}
	for _, k := range kinds {
		t := types.OpportunityType(k)
		if !t.Valid() {
			return f, invalidParam("filters.types", fmt.Sprintf("unknown type %q", k))
		}
		f.Types = append(f.Types, t)
	}

	difficulties, err := getStrings(m, "difficulties")
	if err != nil {
		return f, err
	}
	for _, d := range difficulties {
		difficulty := types.Difficulty(d)
		if _, ok := difficulty.Ordinal(); !ok {
			return f, invalidParam("filters.difficulties", fmt.Sprintf("unknown difficulty %q", d))
		}
		f.Difficulties = append(f.Difficulties, difficulty)
	}

	if f.Languages, err = getStrings(m, "languages"); err != nil {
		return f, err
	}
	f.MinRepoStars = getIntDefault(m, "min_repo_stars", 0)
	if f.MinRepoStars < 0 {
		return f, invalidParam("filters.min_repo_stars", "must be >= 0")
	}
	f.ExcludeArchived = getBoolDefault(m, "exclude_archived", false)
	return f, nil
}

func invalidParam(param, reason string) error {
	return newMCPError(ErrorCodeInvalidParams, "invalid "+param, map[string]interface{}{
		"param":  param,
		"reason": reason,
	})
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getFloatDefault extracts a number parameter with a default value
func getFloatDefault(args map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := args[key].(float64); ok {
		return val
	}
	if val, ok := args[key].(int); ok {
		return float64(val)
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
