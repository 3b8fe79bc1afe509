package render

import "strings"

// Chunk is one ordered slice of canonical text handed to extraction.
// Line numbers address the canonical text, not the chunk.
type Chunk struct {
	Index     int    `json:"index"`
	Text      string `json:"text"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
}

// DefaultChunkLines bounds one chunk; narrative notices run long and the
// extraction collaborator handles ~60 lines well.
const DefaultChunkLines = 60

// Split breaks canonical text into ordered chunks. Paragraphs (blank-line
// separated blocks) are the unit; a heading line always starts a new
// chunk so annex tables stay together with their heading. A paragraph
// longer than maxLines becomes its own oversized chunk rather than being
// split mid-table.
func Split(text string, maxLines int) []Chunk {
	if maxLines <= 0 {
		maxLines = DefaultChunkLines
	}
	lines := Lines(text)
	if len(lines) == 0 {
		return nil
	}

	type block struct {
		start, end int // 1-based inclusive
		heading    bool
	}
	var blocks []block
	start := 0
	for i := 0; i <= len(lines); i++ {
		if i == len(lines) || strings.TrimSpace(lines[i]) == "" {
			if start < i {
				blocks = append(blocks, block{
					start:   start + 1,
					end:     i,
					heading: isHeading(lines[start]),
				})
			}
			start = i + 1
		}
	}

	var chunks []Chunk
	cur := -1
	flush := func(b block) {
		chunks = append(chunks, Chunk{
			Index:     len(chunks),
			LineStart: b.start,
			LineEnd:   b.end,
		})
		cur = len(chunks) - 1
	}
	for _, b := range blocks {
		if cur < 0 || b.heading || chunks[cur].LineEnd-chunks[cur].LineStart+1+b.end-b.start+1 > maxLines {
			flush(b)
			continue
		}
		chunks[cur].LineEnd = b.end
	}
	for i := range chunks {
		chunks[i].Text = Slice(text, chunks[i].LineStart, chunks[i].LineEnd)
	}
	return chunks
}

// isHeading flags section markers: short lines that end with a colon,
// all-caps annex titles, or "Annex"/"Section"/"Subdivision" leads.
func isHeading(line string) bool {
	l := strings.TrimSpace(line)
	if l == "" || len(l) > 80 {
		return false
	}
	for _, prefix := range []string{"Annex", "ANNEX", "Section", "SECTION", "Subdivision", "Part ", "PART "} {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	if strings.HasSuffix(l, ":") {
		return true
	}
	letters := 0
	uppers := 0
	for _, r := range l {
		if r >= 'a' && r <= 'z' {
			letters++
		}
		if r >= 'A' && r <= 'Z' {
			letters++
			uppers++
		}
	}
	return letters >= 4 && uppers == letters
}
