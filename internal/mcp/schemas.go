package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/contribrank/pkg/types"
)

func limitSchema(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "integer",
		"description": description,
		"default":     DefaultLimit,
		"minimum":     1,
		"maximum":     MaxLimit,
	}
}

func enumArray(description string, values []string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"description": description,
		"items": map[string]interface{}{
			"type": "string",
			"enum": values,
		},
	}
}

// searchOpportunitiesTool returns the tool definition for search_opportunities
func searchOpportunitiesTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolSearchOpportunities,
		Description: "Search contribution opportunities with natural language, keywords or a query vector",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search text (natural language or keywords)",
				},
				"vector": map[string]interface{}{
					"type":        "array",
					"description": "Optional precomputed query embedding; must match the index dimension",
					"items":       map[string]interface{}{"type": "number"},
				},
				"limit": limitSchema("Maximum number of results to return (1-100)"),
				"filters": map[string]interface{}{
					"type":        "object",
					"description": "Optional filters to narrow search",
					"properties": map[string]interface{}{
						"statuses": enumArray("Opportunity statuses to include (default: open)", []string{
							string(types.StatusOpen), string(types.StatusInProgress), string(types.StatusCompleted),
							string(types.StatusAbandoned), string(types.StatusStale), string(types.StatusClosed),
						}),
						"types": enumArray("Contribution types to include", []string{
							string(types.TypeBugFix), string(types.TypeFeature), string(types.TypeDocumentation),
							string(types.TypeTest), string(types.TypeRefactor), string(types.TypeSecurity),
						}),
						"difficulties": enumArray("Difficulty levels to include", []string{
							string(types.DifficultyBeginner), string(types.DifficultyIntermediate),
							string(types.DifficultyAdvanced), string(types.DifficultyExpert),
						}),
						"languages": map[string]interface{}{
							"type":        "array",
							"description": "Repository primary languages (case-insensitive)",
							"items":       map[string]interface{}{"type": "string"},
						},
						"min_repo_stars": map[string]interface{}{
							"type":        "integer",
							"description": "Minimum repository star count",
							"minimum":     0,
						},
						"exclude_archived": map[string]interface{}{
							"type":        "boolean",
							"description": "Skip opportunities in archived repositories",
							"default":     false,
						},
					},
				},
			},
		},
	}
}

// feedForUserTool returns the tool definition for feed_for_user
func feedForUserTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolFeedForUser,
		Description: "Personalized feed of open opportunities ranked by how well they fit a user's skills and preferences",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_id": map[string]interface{}{
					"type":        "string",
					"description": "ID of a registered user",
				},
				"limit": limitSchema("Maximum number of opportunities to return (1-100)"),
			},
			Required: []string{"user_id"},
		},
	}
}

// trendingOpportunitiesTool returns the tool definition for trending_opportunities
func trendingOpportunitiesTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolTrendingOpportunities,
		Description: "Opportunities gaining engagement fastest within a recent time window",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"window_hours": map[string]interface{}{
					"type":             "number",
					"description":      "Only opportunities created within this many hours are considered",
					"default":          DefaultTrendingWindowHours,
					"exclusiveMinimum": 0,
				},
				"min_engagement": map[string]interface{}{
					"type":        "integer",
					"description": "Minimum views + 3*applications",
					"default":     0,
					"minimum":     0,
				},
				"limit": limitSchema("Maximum number of opportunities to return (1-100)"),
			},
		},
	}
}

// repositoryHealthTool returns the tool definition for repository_health
func repositoryHealthTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolRepositoryHealth,
		Description: "Health score (0-100) of a repository from activity, responsiveness, merge and close rates",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"repository_id": map[string]interface{}{
					"type":        "string",
					"description": "Repository ID",
				},
			},
			Required: []string{"repository_id"},
		},
	}
}

// indexStatusTool returns the tool definition for index_status
func indexStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolIndexStatus,
		Description: "Vector and lexical index state, embedding model and catalog counts",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
