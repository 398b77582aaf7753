// Package chunker splits document text into context-linked chunks for the
// long-term memory store.
//
// Every strategy cuts the text into exact substrings, so the Content of the
// returned chunks concatenates back to the input. Overlap between chunks is
// carried separately in LinkedContext and only affects what gets embedded.
package chunker

import (
	"strings"
	"unicode"

	"github.com/becomeliminal/nim-memory/core"
)

// Chunker applies a validated Config.
type Chunker struct {
	cfg Config
}

// New validates cfg and returns a Chunker.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// Split chunks text with a one-off configuration.
func Split(documentID, text string, cfg Config) ([]core.Chunk, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return c.Chunk(documentID, text), nil
}

// Config returns the configuration the chunker was built with.
func (c *Chunker) Config() Config {
	return c.cfg
}

// Chunk splits text into ordered chunks with dense indices starting at 0.
// Empty or whitespace-only text yields no chunks.
func (c *Chunker) Chunk(documentID, text string) []core.Chunk {
	if strings.TrimSpace(text) == "" {
		return []core.Chunk{}
	}

	var out []core.Chunk
	switch c.cfg.Strategy {
	case StrategyFixed:
		out = c.fixed(text)
	case StrategySection:
		out = c.sections(text)
	case StrategyPhrase:
		out = c.linked(splitUnits(text, isPhraseEnd))
	default:
		out = c.linked(splitUnits(text, isSentenceEnd))
	}

	for i := range out {
		out[i].DocumentID = documentID
		out[i].Index = i
		out[i].Strategy = string(c.cfg.Strategy)
	}
	return out
}

// linked groups LinkCount consecutive units per chunk. Each chunk owns the
// first step units of its window; the rest of the window is linked context
// that is owned by the following chunk.
func (c *Chunker) linked(units []string) []core.Chunk {
	link := c.cfg.links()
	step := max(1, link-1)

	var out []core.Chunk
	for i := 0; i < len(units); i += step {
		end := min(i+step, len(units))
		content := strings.Join(units[i:end], "")
		var linked string
		if linkEnd := min(i+link, len(units)); end < linkEnd {
			linked = strings.TrimSpace(strings.Join(units[end:linkEnd], ""))
		}
		out = c.appendSized(out, content, linked, false)
	}
	return out
}

// fixed cuts ChunkSize-rune windows. The last Overlap runes before each
// window become its linked context.
func (c *Chunker) fixed(text string) []core.Chunk {
	runes := []rune(text)

	var out []core.Chunk
	p := 0
	for _, piece := range hardSplit(text, c.cfg.ChunkSize) {
		var linked string
		if p > 0 && c.cfg.Overlap > 0 {
			linked = strings.TrimSpace(string(runes[max(0, p-c.cfg.Overlap):p]))
		}
		out = append(out, core.Chunk{Content: piece, LinkedContext: linked, LinkedBefore: linked != ""})
		p += runeLen(piece)
	}
	return out
}

// sections packs paragraphs up to ChunkSize runes. A paragraph that is too
// large on its own is packed sentence by sentence instead.
func (c *Chunker) sections(text string) []core.Chunk {
	var out []core.Chunk
	for _, para := range splitUnits(text, never) {
		if runeLen(para) > c.cfg.ChunkSize {
			out = c.pack(out, splitUnits(para, isSentenceEnd), false)
			continue
		}
		out = c.pack(out, []string{para}, true)
	}
	return out
}

// pack appends units to the last chunk while it stays within ChunkSize.
// fresh starts a new chunk for the first unit only when the previous chunk
// was itself built from whole paragraphs.
func (c *Chunker) pack(out []core.Chunk, units []string, fresh bool) []core.Chunk {
	started := false
	for _, u := range units {
		if len(out) > 0 && (started || fresh) && runeLen(out[len(out)-1].Content)+runeLen(u) <= c.cfg.ChunkSize {
			out[len(out)-1].Content += u
			continue
		}
		out = c.appendSized(out, u, "", false)
		started = true
	}
	return out
}

// appendSized appends one chunk, enforcing ChunkSize. Oversized content is
// hard-split with hardSplit; linked context is truncated to whatever room is left and may
// end up empty. Content is never empty.
func (c *Chunker) appendSized(out []core.Chunk, content, linked string, before bool) []core.Chunk {
	size := c.cfg.ChunkSize
	runes := []rune(content)

	if len(runes) > size {
		for _, piece := range hardSplit(content, size) {
			out = append(out, core.Chunk{Content: piece})
		}
		last := &out[len(out)-1]
		if room := size - runeLen(last.Content); room > 0 {
			last.LinkedContext = truncateRunes(linked, room)
			last.LinkedBefore = before && last.LinkedContext != ""
		}
		return out
	}

	linked = truncateRunes(linked, size-len(runes))
	return append(out, core.Chunk{Content: content, LinkedContext: linked, LinkedBefore: before && linked != ""})
}

// hardSplit cuts s into pieces holding at most size runes after their
// leading whitespace. Whitespace at a cut joins the following piece, and
// trailing whitespace joins the last one, so no piece is blank and the
// pieces concatenate back to s.
func hardSplit(s string, size int) []string {
	runes := []rune(s)
	var pieces []string
	for start := 0; start < len(runes); {
		body := start
		for body < len(runes) && unicode.IsSpace(runes[body]) {
			body++
		}
		if body == len(runes) {
			if n := len(pieces); n > 0 {
				pieces[n-1] += string(runes[start:])
			} else {
				pieces = append(pieces, string(runes[start:]))
			}
			break
		}
		end := min(body+size, len(runes))
		pieces = append(pieces, string(runes[start:end]))
		start = end
	}
	return pieces
}
