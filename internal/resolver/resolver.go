// Package resolver maps the text surrounding a tariff directive to a
// program/code/rate guess. Resolution is a pure function over static
// tables: four tiers tried in priority order, each with a fixed
// confidence so callers can demand a minimum.
package resolver

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/tariff-sync/internal/model"
)

// Tier confidences. The bare-rate tier identifies no program and exists
// only so a percentage in otherwise unresolvable text is not lost.
const (
	ConfidenceExactCode = 0.95
	ConfidencePrefix    = 0.70
	ConfidenceKeyword   = 0.50
	ConfidenceBareRate  = 0.30
)

// Resolution methods, recorded for validation policy and audit.
const (
	MethodExactCode = "exact_code"
	MethodPrefix    = "prefix"
	MethodKeyword   = "keyword"
	MethodBareRate  = "bare_rate"
)

// Resolution is the resolver's answer for one piece of context.
type Resolution struct {
	Code       string
	Program    model.Program
	ListCode   string
	Material   string
	Country    string
	Rate       *float64
	Confidence float64
	Method     string
}

var (
	programCodeRe = regexp.MustCompile(`9903\.\d{2}(?:\.\d{2}(?:\.\d{2})?)?`)
	percentRe     = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:%|percent)`)
)

// Resolve tries the four tiers against the context text plus optional
// table text; the first tier that produces an answer wins. Returns false
// when nothing at all could be inferred.
func Resolve(contextText, tableText string) (*Resolution, bool) {
	text := contextText
	if tableText != "" {
		text += "\n" + tableText
	}
	rate := findRate(text)

	// Tier a: exact program-code match, longest code wins ties.
	if code, entry, ok := exactCode(text); ok {
		return &Resolution{
			Code: code, Program: entry.Program, ListCode: entry.ListCode,
			Material: entry.Material, Country: entry.Country,
			Rate: rate, Confidence: ConfidenceExactCode, Method: MethodExactCode,
		}, true
	}

	// Tier b: the code string is unrecognized but its prefix is known;
	// the found string is preserved.
	for _, code := range foundCodes(text) {
		if entry, ok := codeTables.lookupPrefix(code); ok {
			return &Resolution{
				Code: code, Program: entry.Program, Material: entry.Material,
				Rate: rate, Confidence: ConfidencePrefix, Method: MethodPrefix,
			}, true
		}
	}

	// Tier c: keyword-frequency inference.
	if program, ok := keywordProgram(text); ok {
		return &Resolution{
			Program: program, Rate: rate,
			Confidence: ConfidenceKeyword, Method: MethodKeyword,
		}, true
	}

	// Tier d: a bare percentage with no program identification.
	if rate != nil {
		return &Resolution{
			Rate: rate, Confidence: ConfidenceBareRate, Method: MethodBareRate,
		}, true
	}
	return nil, false
}

// ResolveTargeted resolves context for a specific HTS code, narrowing
// material by the code's chapter when the tiers produced a program and
// material but no exact code.
func ResolveTargeted(contextText, tableText, htsCode string) (*Resolution, bool) {
	r, ok := Resolve(contextText, tableText)
	if !ok {
		return nil, false
	}
	if r.Method == MethodExactCode || r.Program != model.ProgramSection232 {
		return r, true
	}
	if material, ok := codeTables.materialForChapter(htsChapter(htsCode), r.Material); ok {
		r.Material = material
	}
	return r, true
}

func foundCodes(text string) []string {
	codes := programCodeRe.FindAllString(text, -1)
	seen := make(map[string]bool, len(codes))
	var out []string
	for _, c := range codes {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	// Longest/most specific first; equal lengths keep document order.
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func exactCode(text string) (string, codeEntry, bool) {
	for _, c := range foundCodes(text) {
		if entry, ok := codeTables.lookupCode(c); ok {
			return c, entry, true
		}
	}
	return "", codeEntry{}, false
}

func keywordProgram(text string) (model.Program, bool) {
	lower := strings.ToLower(text)
	best := model.Program("")
	bestScore := 0
	// Deterministic order independent of map iteration.
	for _, p := range []model.Program{model.ProgramSection301, model.ProgramSection232, model.ProgramIEEPA} {
		score := 0
		for _, kw := range codeTables.Keywords[p] {
			score += strings.Count(lower, kw)
		}
		if score > bestScore {
			best, bestScore = p, score
		}
	}
	return best, bestScore > 0
}

// findRate extracts the first percentage in the text as a fraction.
func findRate(text string) *float64 {
	m := percentRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil || n > 1000 {
		return nil
	}
	rate := n / 100
	return &rate
}

// StagedRate is one step of a pre-announced escalation found in text.
type StagedRate struct {
	Rate float64
	Date time.Time
}

var stagedRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:%|percent)[^.;%]*?(?:on or after|effective|beginning|starting|as of)\s+(` +
	`(?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2},?\s+\d{4}` +
	`|\d{4}-\d{2}-\d{2})`)

// StagedRates parses phrases pairing a percentage with a trailing date
// expression and returns them in chronological order. Feeds rate
// schedule construction for notices announcing future escalations.
func StagedRates(contextText string) []StagedRate {
	var out []StagedRate
	for _, m := range stagedRe.FindAllStringSubmatch(contextText, -1) {
		n, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		d, ok := ParseDate(m[2])
		if !ok {
			continue
		}
		out = append(out, StagedRate{Rate: n / 100, Date: d})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

var dateLayouts = []string{
	"January 2, 2006",
	"January 2 2006",
	"2006-01-02",
	"01/02/2006",
}

// ParseDate parses the date expressions regulatory notices use.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.UTC(), true
		}
		// Month names in notices may arrive lowercased.
		if d, err := time.Parse(layout, capitalizeWords(s)); err == nil {
			return d.UTC(), true
		}
	}
	return time.Time{}, false
}

func capitalizeWords(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if len(w) > 0 && w[0] >= 'a' && w[0] <= 'z' {
			words[i] = string(w[0]-'a'+'A') + w[1:]
		}
	}
	return strings.Join(words, " ")
}
