package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/internal/model"
)

func ptr[T any](v T) *T { return &v }

const docText = `Notice of Modification of Action

Pursuant to section 301, products classified under subheading 8544.42.90.90
are subject to an additional 25% ad valorem duty under heading 9903.88.03,
effective September 24, 2018.`

func baseCandidate() model.CandidateChange {
	return model.CandidateChange{
		HTSCode:     "8544.42.90.90",
		ProgramCode: "9903.88.03",
		Program:     model.ProgramSection301,
		Rate:        ptr(0.25),
		Role:        model.RoleImpose,
		Method:      model.MethodTable,
	}
}

func TestCheck_AllChecksPass(t *testing.T) {
	c := baseCandidate()
	res := Check(docText, &c)
	assert.True(t, res.Valid)
	assert.True(t, res.HTSFound)
	assert.True(t, res.CodeFound)
	assert.True(t, res.RateFound)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Empty(t, res.Reasons)
}

func TestCheck_UndottedHTSStillFound(t *testing.T) {
	text := strings.ReplaceAll(docText, "8544.42.90.90", "8544429090")
	c := baseCandidate()
	res := Check(text, &c)
	assert.True(t, res.HTSFound)
	assert.True(t, res.Valid)
}

func TestCheck_MissingHTSInvalidates(t *testing.T) {
	c := baseCandidate()
	c.HTSCode = "0101.21.00.10"
	res := Check(docText, &c)
	assert.False(t, res.Valid, "hts presence is mandatory")
	assert.True(t, res.RateFound, "other checks still run")
	require.NotEmpty(t, res.Reasons)
	assert.Contains(t, res.Reasons[0], "hts code not found")
}

func TestCheck_RateMissingButCodePresentStaysValid(t *testing.T) {
	c := baseCandidate()
	c.Rate = ptr(0.075)
	res := Check(docText, &c)
	assert.True(t, res.Valid, "one of rate or code suffices")
	assert.False(t, res.RateFound)
	assert.Less(t, res.Confidence, 1.0)
}

func TestCheck_BothRateAndCodeMissingInvalidates(t *testing.T) {
	c := baseCandidate()
	c.Rate = ptr(0.075)
	c.ProgramCode = "9903.91.07"
	res := Check(docText, &c)
	assert.False(t, res.Valid)
}

func TestCheck_RateForms(t *testing.T) {
	c := baseCandidate()
	c.ProgramCode = ""

	t.Run("integer percent", func(t *testing.T) {
		assert.True(t, Check("8544.42.90.90 at 25%", &c).RateFound)
	})
	t.Run("percent word", func(t *testing.T) {
		assert.True(t, Check("8544.42.90.90 at 25 percent", &c).RateFound)
	})
	t.Run("decimal", func(t *testing.T) {
		assert.True(t, Check("8544.42.90.90 rate 0.25", &c).RateFound)
	})
	t.Run("fractional percent", func(t *testing.T) {
		c := c
		c.Rate = ptr(0.075)
		assert.True(t, Check("8544.42.90.90 at 7.5 percent", &c).RateFound)
	})
}

func TestCheck_ScheduleUsesFirstEntryRate(t *testing.T) {
	c := baseCandidate()
	c.Rate = nil
	c.RateSchedule = []model.RateScheduleEntry{
		{Rate: 0.10, EffectiveStart: time.Date(2019, 9, 1, 0, 0, 0, 0, time.UTC)},
		{Rate: 0.15, EffectiveStart: time.Date(2019, 10, 1, 0, 0, 0, 0, time.UTC)},
	}
	res := Check("8544.42.90.90 at 10% then more", &c)
	assert.True(t, res.RateFound)
}

func TestCheck_QuoteRoundTrip(t *testing.T) {
	// A quote lifted verbatim from its recorded line range verifies.
	c := baseCandidate()
	c.EvidenceQuote = "are subject to an additional 25% ad valorem duty under heading 9903.88.03,"
	c.LineStart, c.LineEnd = 4, 4

	res := Check(docText, &c)
	assert.True(t, res.QuoteVerified)
	assert.Zero(t, res.LineStart, "matching range needs no correction")
	assert.Equal(t, 1.0, res.Confidence)
}

func TestCheck_QuoteCorrectsLineRange(t *testing.T) {
	c := baseCandidate()
	c.EvidenceQuote = "effective September 24, 2018."
	c.LineStart, c.LineEnd = 1, 1

	res := Check(docText, &c)
	assert.True(t, res.QuoteVerified)
	assert.Equal(t, 5, res.LineStart)
	assert.Equal(t, 5, res.LineEnd)
}

func TestCheck_QuoteWhitespaceNormalized(t *testing.T) {
	c := baseCandidate()
	c.EvidenceQuote = "an  additional 25% ad valorem   duty"
	res := Check(docText, &c)
	assert.True(t, res.QuoteVerified)
	assert.Zero(t, res.LineStart, "normalized match carries no line fix")
}

func TestCheck_QuoteAbsenceIsSoft(t *testing.T) {
	c := baseCandidate()
	c.EvidenceQuote = "this sentence appears nowhere"
	res := Check(docText, &c)
	assert.True(t, res.Valid, "quote failure alone never invalidates")
	assert.False(t, res.QuoteVerified)
	assert.InDelta(t, 0.75, res.Confidence, 1e-9)
	require.NotEmpty(t, res.Reasons)
	assert.Contains(t, res.Reasons[0], "quote not found")
}

func TestCheck_HeuristicProximityBonus(t *testing.T) {
	near := baseCandidate()
	near.Method = model.MethodHeuristic
	near.ProgramCode = "9903.91.07" // absent, so base confidence dips
	nearRes := Check(docText, &near)

	far := near
	filler := strings.Repeat("filler line\n", 30)
	farText := "8544.42.90.90 appears here\n" + filler + "25% appears far away"
	farRes := Check(farText, &far)

	assert.Greater(t, nearRes.Confidence, farRes.Confidence,
		"clustered tokens must outrank scattered ones")
}

func TestNewChecker_WindowFromConfig(t *testing.T) {
	c := baseCandidate()
	c.Method = model.MethodHeuristic
	c.ProgramCode = "9903.91.07" // absent, so only the bonus separates the two
	text := "8544.42.90.90 appears here\n" +
		strings.Repeat("filler line\n", 8) +
		"25% appears eight lines later"

	wide := NewChecker(config.GateConfig{HeuristicWindow: 10}).Check(text, &c)
	narrow := NewChecker(config.GateConfig{HeuristicWindow: 5}).Check(text, &c)
	assert.Greater(t, wide.Confidence, narrow.Confidence,
		"the configured window decides what counts as nearby")

	assert.Equal(t, defaultProximityWindow, NewChecker(config.GateConfig{}).window,
		"unset window falls back to the default")
}
