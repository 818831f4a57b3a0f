// Package party holds the registry of parties that questions can target.
package party

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// AssistantID identifies the neutral assistant pseudo-party used when a
// question targets no party.
const AssistantID = "assistant"

// Party describes one party with an indexed program.
type Party struct {
	ID           string `koanf:"id" yaml:"id" json:"party_id"`
	Name         string `koanf:"name" yaml:"name" json:"name"`
	LongName     string `koanf:"long_name" yaml:"long_name" json:"long_name"`
	Description  string `koanf:"description" yaml:"description" json:"description"`
	WebsiteURL   string `koanf:"website_url" yaml:"website_url" json:"website_url"`
	Candidate    string `koanf:"candidate" yaml:"candidate" json:"candidate"`
	ManifestoURL string `koanf:"manifesto_url" yaml:"manifesto_url" json:"election_manifesto_url"`
	IsSmallParty bool   `koanf:"is_small_party" yaml:"is_small_party" json:"is_small_party"`
	InParliament bool   `koanf:"in_parliament" yaml:"in_parliament" json:"is_already_in_parliament"`
}

// Assistant is the neutral pseudo-party.
var Assistant = Party{
	ID:          AssistantID,
	Name:        "Assistant",
	LongName:    "Neutral assistant",
	Description: "Answers general questions about the election without speaking for a party.",
}

// Registry is a read-only lookup of configured parties. It is safe for
// concurrent use.
type Registry struct {
	parties []Party
	byID    map[string]Party
}

// NewRegistry validates parties and builds a registry. The assistant
// pseudo-party is always available through Lookup but is not part of All.
func NewRegistry(parties []Party) (*Registry, error) {
	r := &Registry{byID: make(map[string]Party, len(parties)+1)}
	for _, p := range parties {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("party %q has no id", p.Name)
		}
		if id == AssistantID {
			return nil, fmt.Errorf("party id %q is reserved", id)
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("duplicate party id %q", id)
		}
		p.ID = id
		if p.Name == "" {
			p.Name = id
		}
		r.byID[id] = p
		r.parties = append(r.parties, p)
	}
	sort.Slice(r.parties, func(i, j int) bool { return r.parties[i].ID < r.parties[j].ID })
	r.byID[AssistantID] = Assistant
	return r, nil
}

// Lookup returns the party with the given ID.
func (r *Registry) Lookup(id string) (Party, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Name returns the display name for id, or id itself when unknown.
func (r *Registry) Name(id string) string {
	if p, ok := r.byID[id]; ok {
		return p.Name
	}
	return id
}

// All returns the configured parties sorted by ID, excluding the assistant.
func (r *Registry) All() []Party {
	return append([]Party(nil), r.parties...)
}

// IDs returns the IDs of the configured parties sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.parties))
	for i, p := range r.parties {
		ids[i] = p.ID
	}
	return ids
}

// Mentioned returns the IDs of parties named in text, in registry order.
// A party matches on its ID, short name or long name as a whole-word,
// case-insensitive phrase.
func (r *Registry) Mentioned(text string) []string {
	norm := normalize(text)
	if strings.TrimSpace(norm) == "" {
		return nil
	}
	var ids []string
	for _, p := range r.parties {
		for _, term := range []string{p.ID, p.Name, p.LongName} {
			t := strings.TrimSpace(normalize(term))
			if t == "" {
				continue
			}
			if strings.Contains(norm, " "+t+" ") {
				ids = append(ids, p.ID)
				break
			}
		}
	}
	return ids
}

// normalize lowercases s, replaces everything but letters and digits with
// spaces, and pads the result so whole-word lookups can match on " term ".
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}
