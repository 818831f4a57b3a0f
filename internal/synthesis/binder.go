package synthesis

import (
	"strconv"
	"strings"

	"github.com/ziadkadry99/partychat/internal/domain"
)

// maxMarkerLen bounds how much text is held back while deciding whether an
// opening bracket starts a citation marker.
const maxMarkerLen = 24

// markerNoise strips the decorations models add to numeric references,
// e.g. [id1], [<2>], [#3] or [source 4].
var markerNoise = strings.NewReplacer("source", "", "id", "", "<", "", ">", "", "#", "", " ", ",")

// binder turns backend text into text deltas and citation events. Markers
// are removed from the text and replaced by citation events at the same
// position. Indices not in the evidence set are dropped from a marker; a
// marker that binds nothing, such as a year in [2025], stays as text.
type binder struct {
	set     *domain.EvidenceSet
	marker  []rune
	open    bool
	next    int
	dropped []string
}

func newBinder(set *domain.EvidenceSet) *binder {
	return &binder{set: set}
}

// feed consumes a chunk of backend text.
func (b *binder) feed(text string) []domain.Event {
	var events []domain.Event
	var lit strings.Builder

	flushLit := func() {
		if lit.Len() > 0 {
			events = append(events, domain.TextDelta(lit.String()))
			lit.Reset()
		}
	}

	for _, r := range text {
		if !b.open {
			if r == '[' {
				b.open = true
				b.marker = append(b.marker[:0], r)
				continue
			}
			lit.WriteRune(r)
			continue
		}

		switch r {
		case '[':
			lit.WriteString(string(b.marker))
			b.marker = append(b.marker[:0], r)
		case ']':
			content := string(b.marker[1:])
			b.open = false
			b.marker = b.marker[:0]
			indices, ok := parseMarker(content)
			if !ok {
				lit.WriteString("[" + content + "]")
				continue
			}
			cites := b.cite(indices)
			if len(cites) == 0 {
				lit.WriteString("[" + content + "]")
				continue
			}
			flushLit()
			events = append(events, cites...)
		case '\n':
			lit.WriteString(string(b.marker))
			lit.WriteRune(r)
			b.open = false
			b.marker = b.marker[:0]
		default:
			b.marker = append(b.marker, r)
			if len(b.marker) > maxMarkerLen {
				lit.WriteString(string(b.marker))
				b.open = false
				b.marker = b.marker[:0]
			}
		}
	}
	flushLit()
	return events
}

// refs binds out-of-band source references, given either as an evidence
// index or a source ID.
func (b *binder) refs(refs []string) []domain.Event {
	var indices []int
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if n, err := strconv.Atoi(ref); err == nil {
			indices = append(indices, n)
			continue
		}
		if i, ok := b.set.Find(ref); ok {
			indices = append(indices, i)
			continue
		}
		b.dropped = append(b.dropped, ref)
	}
	return b.cite(indices)
}

// flush releases a marker left open at the end of the answer as text.
func (b *binder) flush() []domain.Event {
	if !b.open {
		return nil
	}
	text := string(b.marker)
	b.open = false
	b.marker = b.marker[:0]
	return []domain.Event{domain.TextDelta(text)}
}

func (b *binder) cite(indices []int) []domain.Event {
	var events []domain.Event
	for _, idx := range indices {
		p, ok := b.set.At(idx)
		if !ok {
			b.dropped = append(b.dropped, strconv.Itoa(idx))
			continue
		}
		b.next++
		events = append(events, domain.CitationEvent(domain.Citation{Marker: b.next, Index: idx, Passage: p}))
	}
	return events
}

// parseMarker reports whether content (the text between brackets) is a list
// of numeric references and returns them.
func parseMarker(content string) ([]int, bool) {
	cleaned := markerNoise.Replace(strings.ToLower(content))
	if cleaned == "" {
		return nil, false
	}
	var indices []int
	for _, part := range strings.Split(cleaned, ",") {
		if part == "" {
			continue
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return nil, false
			}
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, false
		}
		indices = append(indices, n)
	}
	return indices, len(indices) > 0
}
