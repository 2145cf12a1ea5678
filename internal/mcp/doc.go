// Package mcp implements the Model Context Protocol (MCP) server for contribrank.
//
// The server exposes the discovery service to MCP clients as five tools:
//   - search_opportunities: hybrid lexical/semantic search with filters
//   - feed_for_user: personalized feed for a registered user
//   - trending_opportunities: engagement-ranked recent opportunities
//   - repository_health: health score of one repository
//   - index_status: index generation, embedding model and catalog counts
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Stdout carries the protocol; logs go to stderr.
//
// # Tool: search_opportunities
//
//	Request:
//	{
//	  "name": "search_opportunities",
//	  "arguments": {
//	    "query": "memory leak in the cache",
//	    "limit": 10,
//	    "filters": {"languages": ["go"], "exclude_archived": true}
//	  }
//	}
//
//	Response:
//	{
//	  "results": [
//	    {"item_id": "...", "relevance_score": 0.82, "match_score": 0, "reasons": ["..."]}
//	  ],
//	  "degraded": false,
//	  "index_version": 3,
//	  "cache_hit": false
//	}
//
// When the embedding provider is unavailable the results are ranked
// lexically and "degraded" is true with a "degraded_reason".
//
// # Tool: feed_for_user
//
//	{"name": "feed_for_user", "arguments": {"user_id": "u-123", "limit": 20}}
//
// # Tool: trending_opportunities
//
//	{"name": "trending_opportunities", "arguments": {"window_hours": 72, "min_engagement": 5}}
//
// # Tool: repository_health
//
//	{"name": "repository_health", "arguments": {"repository_id": "r-42"}}
//
// # Error Codes
//
//	-32602  invalid parameters (bad limit, empty query, dimension mismatch)
//	-32001  unknown user, repository or opportunity
//	-32002  dependency unavailable (index rebuild in progress)
//	-32603  internal error
package mcp
