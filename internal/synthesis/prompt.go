package synthesis

import (
	"fmt"
	"strings"

	"github.com/ziadkadry99/partychat/internal/domain"
	"github.com/ziadkadry99/partychat/internal/llm"
	"github.com/ziadkadry99/partychat/internal/party"
)

const maxHistoryTurns = 10

const systemPrompt = `You are a neutral assistant that informs citizens about the positions of political parties, based strictly on excerpts from their programs and publications.

## Sources
You receive numbered source excerpts. Each has an ID, the party it belongs to, and its content.

## Rules
1. Answer only with information contained in the sources. Do not use outside knowledge about party positions.
2. After every sentence that uses a source, list the integer IDs of the sources you used in square brackets, e.g. [3] or [1, 4].
3. Never cite an ID that is not in the list of sources.
4. If the sources do not answer the question, say so plainly and do not guess.
5. Attribute each position to the party that holds it. When several parties are covered, structure the answer by party.
6. Stay neutral. Do not recommend any party and do not rank parties.
7. Keep the answer concise and use Markdown lists where they help readability.`

const comparisonPrompt = `## Comparison
The user asks to compare %s. Answer as a neutral observer:
- Give each party its own section, in the order listed, with the party name as a heading.
- Close with a short list of the main agreements and differences, citing the sources for each point.
- If the sources cover a party poorly, say so instead of filling the gap.`

// buildMessages assembles the generation request for q over set. Questions
// comparing several parties get comparison instructions and sources grouped
// by party.
func buildMessages(q domain.Question, set *domain.EvidenceSet, registry *party.Registry) []llm.Message {
	system := systemPrompt + "\n\n" + sourcesSection(set, registry)
	if set.Comparing() {
		system = systemPrompt + "\n\n" + fmt.Sprintf(comparisonPrompt, partyNames(set.PartyIDs(), registry)) +
			"\n\n" + comparisonSourcesSection(set, registry)
	}
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: system}}

	history := q.History
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == domain.RoleAssistant {
			role = llm.RoleAssistant
		}
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}

	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: q.Text})
	return msgs
}

func sourcesSection(set *domain.EvidenceSet, registry *party.Registry) string {
	var b strings.Builder
	b.WriteString("## Source Excerpts\n\n")
	for i, p := range set.Passages {
		writeSource(&b, i, p, registry)
	}
	return b.String()
}

// comparisonSourcesSection lists the sources under one heading per party.
// IDs stay the evidence set indices so markers bind as usual.
func comparisonSourcesSection(set *domain.EvidenceSet, registry *party.Registry) string {
	var b strings.Builder
	b.WriteString("## Source Excerpts\n")
	for _, id := range set.PartyIDs() {
		fmt.Fprintf(&b, "\n### Information from %s\n\n", partyName(registry, id))
		for i, p := range set.Passages {
			if p.PartyID == id {
				writeSource(&b, i, p, registry)
			}
		}
	}
	return b.String()
}

func writeSource(b *strings.Builder, id int, p domain.Passage, registry *party.Registry) {
	fmt.Fprintf(b, "ID: %d\n", id)
	fmt.Fprintf(b, "- Party: %s\n", partyName(registry, p.PartyID))
	if p.Title != "" {
		fmt.Fprintf(b, "- Document: %s\n", p.Title)
	}
	fmt.Fprintf(b, "- Content: %q\n\n", p.Text)
}

func partyNames(ids []string, registry *party.Registry) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = partyName(registry, id)
	}
	return strings.Join(names, ", ")
}

func partyName(registry *party.Registry, id string) string {
	if registry == nil {
		return id
	}
	return registry.Name(id)
}

// caveat is prepended to answers built from partial evidence.
func caveat(set *domain.EvidenceSet, registry *party.Registry) string {
	if len(set.FailedParties) == 0 {
		return "_Note: some sources could not be retrieved, so this answer may be incomplete._\n\n"
	}
	return fmt.Sprintf("_Note: sources for %s could not be retrieved, so this answer may be incomplete._\n\n", partyNames(set.FailedParties, registry))
}

const noEvidenceAnswer = "I could not find any passages in the party programs that address this question."
