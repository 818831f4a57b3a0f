package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/party"
	"github.com/ziadkadry99/partychat/internal/session"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Asker starts answer sessions.
type Asker interface {
	Submit(ctx context.Context, q domain.Question, notify func(session.Transition)) (*session.Session, error)
}

// Server wraps an MCP server that exposes party position tools.
type Server struct {
	asker   Asker
	parties *party.Registry
	mcp     *server.MCPServer
}

// NewServer creates a new MCP server answering through asker.
func NewServer(asker Asker, parties *party.Registry) *Server {
	s := &Server{
		asker:   asker,
		parties: parties,
	}

	s.mcp = server.NewMCPServer(
		"partychat",
		Version,
		server.WithToolCapabilities(false),
	)

	s.registerTools()

	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(askPartyPositionsTool, s.handleAskPartyPositions)
	s.mcp.AddTool(listPartiesTool, s.handleListParties)
}

// Serve starts the MCP server on stdio. Stdout is used for MCP protocol
// messages; all logging must go to stderr.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}
