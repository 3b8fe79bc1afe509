package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/render"
	"github.com/sells-group/tariff-sync/internal/resolver"
)

var (
	htsTokenRe = regexp.MustCompile(`\b\d{4}\.\d{2}(?:\.\d{2}){0,2}\b|\b\d{6,10}\b`)
	rateCellRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:%|percent)`)
	dateCellRe = regexp.MustCompile(`(?i)(?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2},?\s+\d{4}|\d{4}-\d{2}-\d{2}`)
)

// TableCandidates walks the canonical text row by row. A heading-marker
// row sets the product-group label applied to the data rows below it; a
// data row counts only when its leading cell is a plausible HTS code.
// Rows carrying several rate/date pairs become a staged schedule.
func TableCandidates(text, docHash string, docDate *time.Time) []model.CandidateChange {
	var out []model.CandidateChange
	group := ""
	lines := render.Lines(text)
	for i, line := range lines {
		row := strings.Fields(line)
		if len(row) == 0 {
			continue
		}
		if isGroupHeading(line) {
			group = strings.TrimSuffix(strings.TrimSpace(line), ":")
			continue
		}
		if !model.PlausibleHTS(row[0]) {
			continue
		}
		c := rowCandidate(line, i+1, lines, docHash, docDate)
		if c != nil {
			applyGroup(c, group)
			out = append(out, *c)
		}
	}
	return out
}

// rowCandidate builds one candidate from a data row. lineNo is 1-based
// in the canonical text.
func rowCandidate(line string, lineNo int, lines []string, docHash string, docDate *time.Time) *model.CandidateChange {
	hts := strings.Fields(line)[0]
	if !model.PlausibleHTS(hts) {
		return nil
	}

	rates := parseRates(line)
	dates := parseDates(line)

	c := &model.CandidateChange{
		HTSCode:       model.HTSDotted(model.HTSDigits(hts)),
		Role:          model.RoleImpose,
		Method:        model.MethodTable,
		Confidence:    1.0,
		EvidenceQuote: line,
		LineStart:     lineNo,
		LineEnd:       lineNo,
		DocumentHash:  docHash,
	}

	ctx := contextWindow(lines, lineNo, 6)
	if r, ok := resolver.ResolveTargeted(ctx, line, c.HTSCode); ok {
		c.Program = r.Program
		c.ProgramCode = r.Code
		c.ListCode = r.ListCode
		c.Material = r.Material
		c.Country = r.Country
		c.Confidence = r.Confidence
		if strings.Contains(strings.ToLower(ctx), "exclu") {
			c.Role = model.RoleExclude
		}
	}

	switch {
	case len(rates) == 0:
		return nil
	case len(rates) > 1 && len(dates) == len(rates):
		// A staged escalation: zip rates and dates pairwise; each entry
		// ends where the next begins, the last stays open.
		c.RateSchedule = zipSchedule(rates, dates)
	default:
		c.Rate = &rates[0]
		if len(dates) > 0 {
			c.EffectiveDate = &dates[0]
		} else {
			c.EffectiveDate = docDate
		}
	}
	return c
}

func zipSchedule(rates []float64, dates []time.Time) []model.RateScheduleEntry {
	entries := make([]model.RateScheduleEntry, len(rates))
	for i := range rates {
		entries[i] = model.RateScheduleEntry{Rate: rates[i], EffectiveStart: dates[i]}
		if i > 0 {
			entries[i-1].EffectiveEnd = &entries[i].EffectiveStart
		}
	}
	return entries
}

func parseRates(line string) []float64 {
	var out []float64
	for _, m := range rateCellRe.FindAllStringSubmatch(line, -1) {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil || n > 1000 {
			continue
		}
		out = append(out, n/100)
	}
	return out
}

func parseDates(line string) []time.Time {
	var out []time.Time
	for _, m := range dateCellRe.FindAllString(line, -1) {
		if d, ok := resolver.ParseDate(m); ok {
			out = append(out, d)
		}
	}
	return out
}

// isGroupHeading: a row with letters but no plausible data content.
func isGroupHeading(line string) bool {
	l := strings.TrimSpace(line)
	if l == "" || len(l) > 80 {
		return false
	}
	hasLetter := false
	for _, r := range l {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			hasLetter = true
			break
		}
	}
	if !hasLetter {
		return false
	}
	for _, tok := range htsTokenRe.FindAllString(l, -1) {
		if model.PlausibleHTS(tok) {
			return false
		}
	}
	return !rateCellRe.MatchString(l)
}

func normalizeGroup(g string) string {
	return strings.ToLower(strings.Join(strings.Fields(g), "_"))
}

// applyGroup labels a row with the product group above it. Only material
// programs carry group labels; a list heading in a 301 annex is layout,
// not a discriminator.
func applyGroup(c *model.CandidateChange, group string) {
	if group == "" || c.Material != "" {
		return
	}
	if c.Program == "" || c.Program == model.ProgramSection232 {
		c.Material = normalizeGroup(group)
	}
}

func contextWindow(lines []string, lineNo, radius int) string {
	start := lineNo - 1 - radius
	if start < 0 {
		start = 0
	}
	end := lineNo + radius
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start:end], "\n")
}

// XLSXText renders a workbook as canonical text: one line per row,
// cells joined by single spaces. This is the text every downstream
// presence check runs against for spreadsheet annexes.
func XLSXText(raw []byte) (string, error) {
	f, err := xlsx.OpenBinary(raw)
	if err != nil {
		return "", eris.Wrap(err, "extract: open workbook")
	}
	var lines []string
	for _, sheet := range f.Sheets {
		for _, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				if s := strings.TrimSpace(cell.String()); s != "" {
					cells = append(cells, s)
				}
			}
			if len(cells) > 0 {
				lines = append(lines, strings.Join(cells, " "))
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

// XLSXCandidates extracts from an annex workbook. Each sheet is walked
// with the same heading/data-row rules as the text table path; evidence
// line numbers come from locating the HTS digits in the canonical text.
func XLSXCandidates(raw []byte, canonicalText, docHash string, docDate *time.Time) ([]model.CandidateChange, error) {
	f, err := xlsx.OpenBinary(raw)
	if err != nil {
		return nil, err
	}

	var out []model.CandidateChange
	for _, sheet := range f.Sheets {
		group := ""
		for _, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				if s := strings.TrimSpace(cell.String()); s != "" {
					cells = append(cells, s)
				}
			}
			if len(cells) == 0 {
				continue
			}
			line := strings.Join(cells, " ")
			if isGroupHeading(line) {
				group = strings.TrimSuffix(line, ":")
				continue
			}
			if !model.PlausibleHTS(cells[0]) {
				continue
			}

			lineNo := render.FindLine(canonicalText, model.HTSDigits(cells[0]))
			if lineNo == 0 {
				lineNo = render.FindLine(canonicalText, model.HTSDotted(model.HTSDigits(cells[0])))
			}
			c := rowCandidate(line, lineNo, render.Lines(canonicalText), docHash, docDate)
			if c == nil {
				continue
			}
			if lineNo == 0 {
				// Annex-only rows have no canonical line; keep the quote.
				c.LineStart, c.LineEnd = 0, 0
			}
			applyGroup(c, group)
			out = append(out, *c)
		}
	}
	return out, nil
}
