package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ziadkadry99/partychat/internal/domain"
)

// handleAskPartyPositions runs a session to completion and returns the
// whole answer at once.
func (s *Server) handleAskPartyPositions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: question"), nil
	}

	var partyIDs []string
	for _, id := range strings.Split(request.GetString("party_ids", ""), ",") {
		if id = strings.TrimSpace(id); id != "" {
			partyIDs = append(partyIDs, id)
		}
	}

	sess, err := s.asker.Submit(ctx, domain.NewQuestion(question, nil, partyIDs), nil)
	if err != nil {
		return mcp.NewToolResultError("the answer service is shutting down"), nil
	}

	var ans answer
	for ev := range sess.Events() {
		ans.add(ev)
	}

	switch {
	case ans.err != nil:
		return mcp.NewToolResultError(ans.err.Message), nil
	case !ans.done:
		return mcp.NewToolResultError("the answer was cancelled"), nil
	}
	return mcp.NewToolResultText(s.format(&ans)), nil
}

// handleListParties lists the configured parties.
func (s *Server) handleListParties(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	parties := s.parties.All()
	if len(parties) == 0 {
		return mcp.NewToolResultText("No parties are configured."), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d parties:\n", len(parties)))
	for _, p := range parties {
		sb.WriteString(fmt.Sprintf("\n- %s (id: %s)", p.Name, p.ID))
		if p.LongName != "" && p.LongName != p.Name {
			sb.WriteString(": " + p.LongName)
		}
		if p.Candidate != "" {
			sb.WriteString(fmt.Sprintf("\n  Candidate: %s", p.Candidate))
		}
		if p.Description != "" {
			sb.WriteString("\n  " + p.Description)
		}
	}
	sb.WriteString("\n")
	return mcp.NewToolResultText(sb.String()), nil
}

// answer accumulates the events of one session.
type answer struct {
	text      strings.Builder
	citations []domain.Citation
	err       *domain.Error
	done      bool
}

func (a *answer) add(ev domain.Event) {
	switch ev.Kind {
	case domain.EventDelta:
		a.text.WriteString(ev.Text)
	case domain.EventCitation:
		if ev.Citation != nil {
			a.citations = append(a.citations, *ev.Citation)
			a.text.WriteString(fmt.Sprintf("[%d]", ev.Citation.Marker))
		}
	case domain.EventError:
		a.err = ev.Err
		if a.err == nil {
			a.err = domain.NewError(domain.KindSynthesis, "the answer could not be generated", nil)
		}
	case domain.EventDone:
		a.done = true
	}
}

// format renders the answer followed by its numbered sources, optimized
// for AI agent consumption.
func (s *Server) format(a *answer) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(a.text.String()))
	if len(a.citations) == 0 {
		sb.WriteString("\n")
		return sb.String()
	}

	sb.WriteString("\n\nSources:\n")
	for _, c := range a.citations {
		p := c.Passage
		sb.WriteString(fmt.Sprintf("\n[%d] %s", c.Marker, s.parties.Name(p.PartyID)))
		if p.Title != "" {
			sb.WriteString(" - " + p.Title)
		}
		if p.URL != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", p.URL))
		}
		sb.WriteString(fmt.Sprintf("\nSource ID: %s\n> %s\n", p.SourceID, strings.ReplaceAll(strings.TrimSpace(p.Text), "\n", "\n> ")))
	}
	return sb.String()
}
