package extract

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/render"
	"github.com/sells-group/tariff-sync/internal/resolver"
	"github.com/sells-group/tariff-sync/pkg/anthropic"
)

const extractionSystemPrompt = `You extract tariff directives from US regulatory notices.
Given a passage, reply with ONLY a JSON object of this exact shape:
{"hts_codes": ["8544.42.90.90"], "program": "section_301", "code": "9903.88.03", "rate": "25%", "effective_date": "2018-07-06", "action": "impose", "quotes": ["..."]}
Use empty arrays/strings for fields the passage does not state. Do not guess codes.`

// parseOutcome tags how the collaborator's reply parsed. A malformed
// reply is zero candidates, never a pipeline failure.
type parseOutcome int

const (
	parseOk parseOutcome = iota
	parseSchemaError
	parseEmpty
)

// collaboratorReply is the constrained JSON shape the collaborator must
// produce.
type collaboratorReply struct {
	HTSCodes      []string `json:"hts_codes"`
	Program       string   `json:"program"`
	Code          string   `json:"code"`
	Rate          string   `json:"rate"`
	EffectiveDate string   `json:"effective_date"`
	Action        string   `json:"action"`
	Quotes        []string `json:"quotes"`
}

// heuristicChunk sends one narrative chunk to the collaborator and turns
// the reply into candidates. Items with implausible HTS codes or
// unparseable rates are discarded individually.
func (e *Extractor) heuristicChunk(ctx context.Context, chunk render.Chunk, docHash string, docDate *time.Time) ([]model.CandidateChange, parseOutcome, error) {
	// Extraction must be reproducible, and the system prompt is identical
	// for every chunk of every document, so pin temperature and cache it.
	temperature := 0.0
	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: 1024,
		System: []anthropic.SystemBlock{{
			Text:         extractionSystemPrompt,
			CacheControl: &anthropic.CacheControl{TTL: "5m"},
		}},
		Messages:    []anthropic.Message{{Role: "user", Content: chunk.Text}},
		Temperature: &temperature,
	})
	if err != nil {
		return nil, parseEmpty, err
	}
	resp.Usage.LogCost(e.model, "extract")

	reply, outcome := parseReply(resp.Text())
	if outcome != parseOk {
		return nil, outcome, nil
	}

	rate, rateOK := parseRateString(reply.Rate)
	var effective *time.Time
	if d, ok := resolver.ParseDate(reply.EffectiveDate); ok {
		effective = &d
	} else {
		effective = docDate
	}

	// Narrative escalations ("25 percent effective ..., 50 percent on or
	// after ...") become a schedule, the same shape the table path builds
	// from same-row rate/date pairs.
	staged := resolver.StagedRates(chunk.Text)
	useSchedule := len(staged) >= 2

	role := model.RoleImpose
	if strings.Contains(strings.ToLower(reply.Action), "exclu") {
		role = model.RoleExclude
	}

	var out []model.CandidateChange
	for _, hts := range reply.HTSCodes {
		if !model.PlausibleHTS(hts) {
			zap.L().Debug("discarding implausible hts from collaborator", zap.String("hts", hts))
			continue
		}
		if !rateOK && !useSchedule {
			continue
		}
		c := model.CandidateChange{
			HTSCode:      model.HTSDotted(model.HTSDigits(hts)),
			Program:      model.Program(reply.Program),
			ProgramCode:  reply.Code,
			Role:         role,
			Method:       model.MethodHeuristic,
			ChunkIndex:   chunk.Index,
			LineStart:    chunk.LineStart,
			LineEnd:      chunk.LineEnd,
			DocumentHash: docHash,
		}
		if useSchedule {
			c.RateSchedule = scheduleFromStaged(staged)
		} else {
			r := rate
			c.Rate = &r
			c.EffectiveDate = effective
		}
		if len(reply.Quotes) > 0 {
			c.EvidenceQuote = reply.Quotes[0]
		}
		// The resolver classifies when the collaborator did not, and
		// supplies list/material/country discriminators.
		if res, ok := resolver.ResolveTargeted(chunk.Text, "", c.HTSCode); ok {
			if c.Program == "" {
				c.Program = res.Program
			}
			if c.ProgramCode == "" {
				c.ProgramCode = res.Code
			}
			c.ListCode = res.ListCode
			c.Material = res.Material
			c.Country = res.Country
			c.Confidence = res.Confidence
		} else {
			c.Confidence = resolver.ConfidenceBareRate
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, parseEmpty, nil
	}
	return out, parseOk, nil
}

// scheduleFromStaged chains staged escalation steps into a schedule,
// each step ending where the next begins. Each call returns a fresh
// slice so candidates never share entries.
func scheduleFromStaged(staged []resolver.StagedRate) []model.RateScheduleEntry {
	sched := make([]model.RateScheduleEntry, len(staged))
	for i, s := range staged {
		sched[i] = model.RateScheduleEntry{Rate: s.Rate, EffectiveStart: s.Date}
		if i > 0 {
			end := s.Date
			sched[i-1].EffectiveEnd = &end
		}
	}
	return sched
}

// parseReply cleans markdown fences and parses the constrained shape.
func parseReply(text string) (*collaboratorReply, parseOutcome) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, parseEmpty
	}
	var reply collaboratorReply
	if err := json.Unmarshal([]byte(cleaned), &reply); err != nil {
		zap.L().Debug("collaborator reply failed schema", zap.Error(err))
		return nil, parseSchemaError
	}
	if len(reply.HTSCodes) == 0 {
		return nil, parseEmpty
	}
	return &reply, parseOk
}

// parseRateString accepts "25%", "25 percent", "0.25", "25".
func parseRateString(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, false
	}
	pct := strings.HasSuffix(s, "%") || strings.HasSuffix(s, "percent")
	s = strings.TrimSuffix(s, "percent")
	s = strings.TrimSuffix(s, "%")
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || n < 0 {
		return 0, false
	}
	if pct || n > 1 {
		n /= 100
	}
	if n > 10 {
		return 0, false
	}
	return n, true
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}
