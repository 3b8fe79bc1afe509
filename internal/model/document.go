package model

import "time"

// DocumentStatus tracks a document's forward-only progress through the
// pipeline. A document is never rewritten once committed.
type DocumentStatus string

const (
	DocFetched   DocumentStatus = "fetched"
	DocRendered  DocumentStatus = "rendered"
	DocChunked   DocumentStatus = "chunked"
	DocExtracted DocumentStatus = "extracted"
	DocCommitted DocumentStatus = "committed"
)

// docOrder gives the monotonic ordering of document statuses.
var docOrder = map[DocumentStatus]int{
	DocFetched:   0,
	DocRendered:  1,
	DocChunked:   2,
	DocExtracted: 3,
	DocCommitted: 4,
}

// Advances reports whether moving to the given status is a forward move.
func (s DocumentStatus) Advances(to DocumentStatus) bool {
	from, ok1 := docOrder[s]
	next, ok2 := docOrder[to]
	return ok1 && ok2 && next > from
}

// Document is one fetched regulatory notice: raw bytes live in the store,
// the canonical line-numbered text is what every downstream check runs
// against.
type Document struct {
	ID               string         `json:"id"`
	Source           string         `json:"source"`
	ExternalID       string         `json:"external_id"`
	URL              string         `json:"url,omitempty"`
	ContentHash      string         `json:"content_hash"`
	ContentType      string         `json:"content_type,omitempty"`
	CanonicalText    string         `json:"canonical_text,omitempty"`
	Status           DocumentStatus `json:"status"`
	ParentDocumentID *string        `json:"parent_document_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
