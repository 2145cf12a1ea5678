package mcp

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/contribrank/internal/discovery"
)

const (
	// ServerName is the MCP server name
	ServerName = "contribrank"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Server wraps the MCP server with the discovery service
type Server struct {
	mcp       *server.MCPServer
	discovery *discovery.Service
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a new MCP server exposing svc as tools
func NewServer(svc *discovery.Service, version string, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("mcp: discovery service is required")
	}
	if version == "" {
		version = ServerVersion
	}

	s := &Server{
		mcp: server.NewMCPServer(
			ServerName,
			version,
			server.WithToolCapabilities(false),
		),
		discovery: svc,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerTools()
	return s, nil
}

// Serve runs the MCP protocol over in and out until ctx is cancelled or
// in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(&slogWriter{logger: s.logger}, "", 0))
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(searchOpportunitiesTool(), s.handleSearchOpportunities)
	s.mcp.AddTool(feedForUserTool(), s.handleFeedForUser)
	s.mcp.AddTool(trendingOpportunitiesTool(), s.handleTrendingOpportunities)
	s.mcp.AddTool(repositoryHealthTool(), s.handleRepositoryHealth)
	s.mcp.AddTool(indexStatusTool(), s.handleIndexStatus)
}

// slogWriter forwards the stdio transport's log output to slog.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Error("mcp transport error", "message", string(p))
	return len(p), nil
}
