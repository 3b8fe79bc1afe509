// Package validate runs the deterministic checks on a candidate against
// the canonical text it came from. No collaborator call is needed to
// pass: every check is a substring scan.
package validate

import (
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/render"
)

// defaultProximityWindow is how many lines apart a rate or program code
// token may sit from the HTS occurrence and still count as nearby.
const defaultProximityWindow = 10

// proximityBonus nudges heuristic confidence when the tokens cluster.
const proximityBonus = 0.1

// Result is the validation outcome for one candidate.
type Result struct {
	Valid         bool
	Confidence    float64
	QuoteVerified bool

	HTSFound  bool
	CodeFound bool
	RateFound bool

	// Corrected line range when the evidence quote was located verbatim
	// somewhere other than the candidate's recorded range. Zero when no
	// correction applies.
	LineStart int
	LineEnd   int

	// Reasons lists the checks that failed, for review routing.
	Reasons []string
}

// Checker runs the deterministic checks with a configured proximity
// window for the heuristic bonus.
type Checker struct {
	window int
}

// NewChecker builds a Checker from gate configuration. A zero or
// negative heuristic window falls back to the default.
func NewChecker(cfg config.GateConfig) Checker {
	w := cfg.HeuristicWindow
	if w <= 0 {
		w = defaultProximityWindow
	}
	return Checker{window: w}
}

// Check validates with the default proximity window.
func Check(text string, c *model.CandidateChange) Result {
	return Checker{window: defaultProximityWindow}.Check(text, c)
}

// Check validates a candidate against the document's canonical text.
// Valid requires the HTS code present plus at least one of rate or
// program code present; the quote check affects confidence only.
func (ck Checker) Check(text string, c *model.CandidateChange) Result {
	var res Result
	applicable, passed := 0, 0

	applicable++
	res.HTSFound = htsPresent(text, c.HTSCode)
	if res.HTSFound {
		passed++
	} else {
		res.Reasons = append(res.Reasons, "hts code not found in document")
	}

	if c.ProgramCode != "" {
		applicable++
		res.CodeFound = strings.Contains(text, c.ProgramCode)
		if res.CodeFound {
			passed++
		} else {
			res.Reasons = append(res.Reasons, "program code "+c.ProgramCode+" not found in document")
		}
	}

	if rate, ok := candidateRate(c); ok {
		applicable++
		res.RateFound = ratePresent(text, rate)
		if res.RateFound {
			passed++
		} else {
			res.Reasons = append(res.Reasons, "rate "+percentString(rate)+"% not found in document")
		}
	}

	if c.EvidenceQuote != "" {
		applicable++
		verified, start, end := locateQuote(text, c.EvidenceQuote)
		res.QuoteVerified = verified
		if verified {
			passed++
			if start != 0 && (start != c.LineStart || end != c.LineEnd) {
				res.LineStart, res.LineEnd = start, end
			}
		} else {
			res.Reasons = append(res.Reasons, "evidence quote not found verbatim")
		}
	}

	if applicable > 0 {
		res.Confidence = float64(passed) / float64(applicable)
	}

	// Heuristic candidates earn a bonus when the rate or code token sits
	// within a few lines of the HTS occurrence; distance is advisory, not
	// mandatory.
	if c.Method == model.MethodHeuristic && res.HTSFound && tokensNearby(text, c, ck.window) {
		res.Confidence = math.Min(1, res.Confidence+proximityBonus)
	}

	res.Valid = res.HTSFound && (res.RateFound || res.CodeFound)
	return res
}

func candidateRate(c *model.CandidateChange) (float64, bool) {
	if c.Rate != nil {
		return *c.Rate, true
	}
	if len(c.RateSchedule) > 0 {
		return c.RateSchedule[0].Rate, true
	}
	return 0, false
}

// htsPresent accepts the dotted or bare-digit rendering.
func htsPresent(text, hts string) bool {
	digits := model.HTSDigits(hts)
	return strings.Contains(text, model.HTSDotted(digits)) || strings.Contains(text, digits)
}

// ratePresent accepts "25%", "25 percent", or the decimal "0.25".
func ratePresent(text string, rate float64) bool {
	pct := percentString(rate)
	lower := strings.ToLower(text)
	if strings.Contains(text, pct+"%") || strings.Contains(lower, pct+" percent") {
		return true
	}
	return strings.Contains(text, strconv.FormatFloat(rate, 'f', -1, 64))
}

// percentString renders 0.075 as "7.5", rounding away float noise.
func percentString(rate float64) string {
	return strconv.FormatFloat(math.Round(rate*1e6)/1e4, 'f', -1, 64)
}

// locateQuote finds the quote exactly, then whitespace/NFKC-normalized.
// The returned line range is only known for exact matches.
func locateQuote(text, quote string) (found bool, lineStart, lineEnd int) {
	if idx := strings.Index(text, quote); idx >= 0 {
		lineStart = strings.Count(text[:idx], "\n") + 1
		lineEnd = lineStart + strings.Count(quote, "\n")
		return true, lineStart, lineEnd
	}
	if strings.Contains(normalizeForMatch(text), normalizeForMatch(quote)) {
		return true, 0, 0
	}
	return false, 0, 0
}

// normalizeForMatch collapses runs of whitespace and applies NFKC so
// typographic variants (non-breaking spaces, ligatures) still match.
func normalizeForMatch(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// tokensNearby reports whether a rate or program-code token occurs
// within window lines of any HTS occurrence.
func tokensNearby(text string, c *model.CandidateChange, window int) bool {
	lines := render.Lines(text)
	digits := model.HTSDigits(c.HTSCode)
	dotted := model.HTSDotted(digits)

	var htsLines []int
	for i, line := range lines {
		if strings.Contains(line, dotted) || strings.Contains(line, digits) {
			htsLines = append(htsLines, i)
		}
	}
	if len(htsLines) == 0 {
		return false
	}

	rate, hasRate := candidateRate(c)
	for _, h := range htsLines {
		lo := max(0, h-window)
		hi := min(len(lines), h+window+1)
		window := strings.Join(lines[lo:hi], "\n")
		if c.ProgramCode != "" && strings.Contains(window, c.ProgramCode) {
			return true
		}
		if hasRate && ratePresent(window, rate) {
			return true
		}
	}
	return false
}
