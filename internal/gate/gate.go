// Package gate is the last mechanical barrier before any rate mutation.
// It re-derives its own checks instead of trusting validation: an
// untrusted source or a hashless document never commits, no matter how
// confident the candidate looks.
package gate

import (
	"net/url"
	"strings"
	"time"

	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/render"
	"github.com/sells-group/tariff-sync/internal/validate"
)

// Decision is the gate's verdict for one candidate. Rejections carry a
// reason for the review queue; approvals carry the evidence packet the
// commit engine persists.
type Decision struct {
	Approved bool
	Reason   string
	Evidence *model.EvidencePacket
}

// Gate approves or rejects candidates against the trust configuration.
type Gate struct {
	trust config.TrustConfig
	cfg   config.GateConfig
}

// New creates a Gate. Zero thresholds fall back to the shipped defaults.
func New(trust config.TrustConfig, cfg config.GateConfig) *Gate {
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = 0.5
	}
	if cfg.ContextLines == 0 {
		cfg.ContextLines = 2
	}
	return &Gate{trust: trust, cfg: cfg}
}

// Approve runs every gate check in order and stops at the first
// failure. All checks must hold for a commit to proceed.
func (g *Gate) Approve(doc *model.Document, c *model.CandidateChange, v validate.Result) Decision {
	if !g.trustedSource(doc.Source) {
		return reject("source " + doc.Source + " is not on the trust allow-list")
	}
	if doc.URL != "" {
		domain, ok := g.trustedDomain(doc.URL)
		if !ok {
			return reject("url domain " + domain + " is not on the trust allow-list")
		}
	}
	if doc.ContentHash == "" {
		return reject("document has no content hash")
	}
	if strings.TrimSpace(doc.CanonicalText) == "" {
		return reject("document has no canonical text")
	}
	if !strings.Contains(doc.CanonicalText, model.HTSDotted(model.HTSDigits(c.HTSCode))) &&
		!strings.Contains(doc.CanonicalText, model.HTSDigits(c.HTSCode)) {
		return reject("hts code " + c.HTSCode + " not present in canonical text")
	}
	if !v.RateFound && !v.CodeFound {
		return reject("neither rate nor program code present in canonical text")
	}
	if !v.Valid {
		return reject("validation failed: " + strings.Join(v.Reasons, "; "))
	}
	if v.Confidence < g.cfg.MinConfidence {
		return reject("validation confidence below threshold")
	}

	return Decision{Approved: true, Evidence: g.buildEvidence(doc, c, v)}
}

func reject(reason string) Decision {
	return Decision{Reason: reason}
}

func (g *Gate) trustedSource(source string) bool {
	for _, s := range g.trust.Sources {
		if s == source {
			return true
		}
	}
	return false
}

// trustedDomain returns the parsed host and whether it, or a parent
// domain of it, is allow-listed.
func (g *Gate) trustedDomain(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL, false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range g.trust.Domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return host, true
		}
	}
	return host, false
}

// buildEvidence pins the quote and its surrounding lines. The line range
// prefers validation's correction, then the candidate's own, then a
// fresh scan for the HTS code.
func (g *Gate) buildEvidence(doc *model.Document, c *model.CandidateChange, v validate.Result) *model.EvidencePacket {
	start, end := v.LineStart, v.LineEnd
	if start == 0 {
		start, end = c.LineStart, c.LineEnd
	}
	if start == 0 {
		if n := render.FindLine(doc.CanonicalText, model.HTSDigits(c.HTSCode)); n != 0 {
			start, end = n, n
		} else if n := render.FindLine(doc.CanonicalText, model.HTSDotted(model.HTSDigits(c.HTSCode))); n != 0 {
			start, end = n, n
		}
	}

	quote := c.EvidenceQuote
	if quote == "" && start != 0 {
		quote = render.Slice(doc.CanonicalText, start, end)
	}

	ctxStart, ctxEnd := start, end
	if start != 0 {
		ctxStart = max(1, start-g.cfg.ContextLines)
		ctxEnd = end + g.cfg.ContextLines
	}

	pkt := &model.EvidencePacket{
		DocumentID:        doc.ID,
		DocumentHash:      doc.ContentHash,
		Quote:             quote,
		LineStart:         ctxStart,
		LineEnd:           ctxEnd,
		ProvesHTSCode:     c.HTSCode,
		ProvesProgramCode: c.ProgramCode,
		ProvesProgram:     c.Program,
		Verified:          true,
		QuoteVerified:     v.QuoteVerified,
		VerifiedBy:        "write_gate",
		Method:            string(c.Method),
		Confidence:        v.Confidence,
		CreatedAt:         time.Now().UTC(),
	}
	if c.Rate != nil {
		pkt.ProvesRate = c.Rate
	} else if len(c.RateSchedule) > 0 {
		r := c.RateSchedule[0].Rate
		pkt.ProvesRate = &r
	}
	if c.EffectiveDate != nil {
		pkt.ProvesDate = c.EffectiveDate
	} else if len(c.RateSchedule) > 0 {
		d := c.RateSchedule[0].EffectiveStart
		pkt.ProvesDate = &d
	}
	return pkt
}
