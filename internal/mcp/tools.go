package mcp

import "github.com/mark3labs/mcp-go/mcp"

// askPartyPositionsTool defines the ask_party_positions MCP tool.
var askPartyPositionsTool = mcp.NewTool("ask_party_positions",
	mcp.WithDescription("Answer a question about the positions of political parties, grounded in their programs. Returns the answer with numbered source citations."),
	mcp.WithString("question",
		mcp.Required(),
		mcp.Description("The question to answer"),
	),
	mcp.WithString("party_ids",
		mcp.Description("Comma-separated party IDs to restrict the answer to (see list_parties). Defaults to the parties named in the question."),
	),
)

// listPartiesTool defines the list_parties MCP tool.
var listPartiesTool = mcp.NewTool("list_parties",
	mcp.WithDescription("List the parties whose programs can be queried."),
)
