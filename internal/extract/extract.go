// Package extract turns a rendered notice into candidate rate changes.
// Two producers feed the same candidate shape: a deterministic walk over
// table-like rows (including XLSX annexes), and a heuristic pass that
// sends narrative chunks to an extraction collaborator. Candidates are
// proposals only; validation and the write gate decide what survives.
package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/render"
	"github.com/sells-group/tariff-sync/internal/resolver"
	"github.com/sells-group/tariff-sync/pkg/anthropic"
)

// Input carries everything the extraction stage needs from a document.
type Input struct {
	CanonicalText string
	// RawAnnex holds XLSX workbook bytes when the notice is an annex
	// spreadsheet rather than prose.
	RawAnnex     []byte
	DocumentHash string
	// DocumentDate is the fallback effective date for rows that state a
	// rate but no date of their own.
	DocumentDate *time.Time
}

// Result is the extraction stage output. Warnings are non-fatal:
// collaborator outages and malformed replies are recorded here, never
// escalated to a job failure.
type Result struct {
	Candidates []model.CandidateChange
	Warnings   []string
}

// Extractor combines the deterministic and heuristic producers. A nil
// client disables the heuristic path entirely.
type Extractor struct {
	client anthropic.Client
	model  string
}

// NewExtractor creates an Extractor. client may be nil for
// deterministic-only operation.
func NewExtractor(client anthropic.Client, model string) *Extractor {
	return &Extractor{client: client, model: model}
}

// Extract runs both producers and merges their candidates. The table
// path wins duplicates: a heuristic candidate whose key matches a table
// candidate is dropped.
func (e *Extractor) Extract(ctx context.Context, in Input) (Result, error) {
	var res Result

	res.Candidates = TableCandidates(in.CanonicalText, in.DocumentHash, in.DocumentDate)

	if len(in.RawAnnex) > 0 {
		annex, err := XLSXCandidates(in.RawAnnex, in.CanonicalText, in.DocumentHash, in.DocumentDate)
		if err != nil {
			res.Warnings = append(res.Warnings, "annex workbook unreadable: "+err.Error())
		} else {
			res.Candidates = append(res.Candidates, annex...)
		}
	}

	seen := make(map[string]bool, len(res.Candidates))
	deduped := res.Candidates[:0]
	for i := range res.Candidates {
		k := res.Candidates[i].DedupKey()
		if seen[k] {
			continue
		}
		seen[k] = true
		deduped = append(deduped, res.Candidates[i])
	}
	res.Candidates = deduped

	if e.client == nil {
		return res, nil
	}

	chunks := render.Split(in.CanonicalText, render.DefaultChunkLines)
	for _, chunk := range chunks {
		if !worthSending(chunk.Text) {
			continue
		}
		cands, outcome, err := e.heuristicChunk(ctx, chunk, in.DocumentHash, in.DocumentDate)
		if err != nil {
			// Collaborator unavailable: deterministic results stand on
			// their own, so degrade instead of failing the job.
			zap.L().Warn("extraction collaborator unavailable, continuing without it", zap.Error(err))
			res.Warnings = append(res.Warnings, "collaborator unavailable: "+err.Error())
			break
		}
		if outcome == parseSchemaError {
			res.Warnings = append(res.Warnings,
				"collaborator reply failed schema on chunk "+strconv.Itoa(chunk.Index))
			continue
		}
		for _, c := range cands {
			k := c.DedupKey()
			if seen[k] {
				continue
			}
			seen[k] = true
			res.Candidates = append(res.Candidates, c)
		}
	}
	return res, nil
}

// worthSending skips chunks with no tariff signal: no rate mention and
// no HTS-shaped token means the collaborator has nothing to extract.
func worthSending(text string) bool {
	if rateCellRe.MatchString(text) {
		return true
	}
	for _, tok := range htsTokenRe.FindAllString(text, -1) {
		if model.PlausibleHTS(tok) {
			return true
		}
	}
	return false
}

var effectiveRe = regexp.MustCompile(
	`(?i)effective\s+(?:with\s+respect\s+to\s+[^,]{0,80},\s*)?(?:on\s+|as\s+of\s+)?` +
		`((?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2},?\s+\d{4}|\d{4}-\d{2}-\d{2})`,
)

// DocumentDate finds the document-level effective date, the first date
// introduced by the word "effective" in the canonical text.
func DocumentDate(text string) *time.Time {
	m := effectiveRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	if d, ok := resolver.ParseDate(strings.TrimSpace(m[1])); ok {
		return &d
	}
	return nil
}
