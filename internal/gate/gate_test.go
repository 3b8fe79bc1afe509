package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/config"
	"github.com/sells-group/tariff-sync/internal/model"
	"github.com/sells-group/tariff-sync/internal/validate"
)

func ptr[T any](v T) *T { return &v }

func testGate() *Gate {
	return New(
		config.TrustConfig{
			Sources: []string{"federal_register", "ustr"},
			Domains: []string{"federalregister.gov", "ustr.gov"},
		},
		config.GateConfig{MinConfidence: 0.5, ContextLines: 2},
	)
}

func testDoc() *model.Document {
	return &model.Document{
		ID:          "doc-1",
		Source:      "federal_register",
		URL:         "https://www.federalregister.gov/d/2018-20610",
		ContentHash: "abc123",
		CanonicalText: "Notice of Modification\n" +
			"Products under 8544.42.90.90 take an additional 25% duty\n" +
			"under heading 9903.88.03, effective September 24, 2018.",
	}
}

func testCandidate() model.CandidateChange {
	return model.CandidateChange{
		HTSCode:     "8544.42.90.90",
		ProgramCode: "9903.88.03",
		Program:     model.ProgramSection301,
		Rate:        ptr(0.25),
		Role:        model.RoleImpose,
		Method:      model.MethodTable,
		LineStart:   2,
		LineEnd:     2,
	}
}

func passingValidation() validate.Result {
	return validate.Result{
		Valid:      true,
		Confidence: 1.0,
		HTSFound:   true,
		CodeFound:  true,
		RateFound:  true,
	}
}

func TestApprove_HappyPath(t *testing.T) {
	doc, c := testDoc(), testCandidate()
	d := testGate().Approve(doc, &c, passingValidation())
	require.True(t, d.Approved)
	require.NotNil(t, d.Evidence)
	assert.Equal(t, "doc-1", d.Evidence.DocumentID)
	assert.Equal(t, "abc123", d.Evidence.DocumentHash)
	assert.Equal(t, "8544.42.90.90", d.Evidence.ProvesHTSCode)
	assert.Equal(t, 1, d.Evidence.LineStart, "context lines clamp at the top")
	assert.Equal(t, 4, d.Evidence.LineEnd)
	assert.NotEmpty(t, d.Evidence.Quote, "quote re-sliced from the line range")
}

func TestApprove_UntrustedSource(t *testing.T) {
	doc, c := testDoc(), testCandidate()
	doc.Source = "random_blog"
	d := testGate().Approve(doc, &c, passingValidation())
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "random_blog")
	assert.Nil(t, d.Evidence, "rejection writes nothing")
}

func TestApprove_UntrustedDomain(t *testing.T) {
	doc, c := testDoc(), testCandidate()
	doc.URL = "https://evil.example.com/notice"
	d := testGate().Approve(doc, &c, passingValidation())
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "evil.example.com")
}

func TestApprove_SubdomainOfTrustedDomainPasses(t *testing.T) {
	doc, c := testDoc(), testCandidate()
	doc.URL = "https://www.federalregister.gov/documents/2018/09/21"
	d := testGate().Approve(doc, &c, passingValidation())
	assert.True(t, d.Approved)
}

func TestApprove_MissingHash(t *testing.T) {
	doc, c := testDoc(), testCandidate()
	doc.ContentHash = ""
	d := testGate().Approve(doc, &c, passingValidation())
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "content hash")
}

func TestApprove_EmptyCanonicalText(t *testing.T) {
	doc, c := testDoc(), testCandidate()
	doc.CanonicalText = "  \n "
	d := testGate().Approve(doc, &c, passingValidation())
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "canonical text")
}

func TestApprove_HTSNotInText(t *testing.T) {
	doc, c := testDoc(), testCandidate()
	c.HTSCode = "0101.21.00.10"
	d := testGate().Approve(doc, &c, passingValidation())
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "0101.21.00.10")
}

func TestApprove_LowConfidence(t *testing.T) {
	doc, c := testDoc(), testCandidate()
	v := passingValidation()
	v.Confidence = 0.4
	d := testGate().Approve(doc, &c, v)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "confidence")
}

func TestApprove_InvalidValidation(t *testing.T) {
	doc, c := testDoc(), testCandidate()
	v := passingValidation()
	v.Valid = false
	v.Reasons = []string{"rate 25% not found in document"}
	d := testGate().Approve(doc, &c, v)
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "rate 25% not found")
}

func TestApprove_ValidationCorrectionWinsLineRange(t *testing.T) {
	doc, c := testDoc(), testCandidate()
	v := passingValidation()
	v.LineStart, v.LineEnd = 3, 3
	d := testGate().Approve(doc, &c, v)
	require.True(t, d.Approved)
	assert.Equal(t, 1, d.Evidence.LineStart)
	assert.Equal(t, 5, d.Evidence.LineEnd)
}

func TestApprove_FreshScanWhenNoLineRange(t *testing.T) {
	doc, c := testDoc(), testCandidate()
	c.LineStart, c.LineEnd = 0, 0
	d := testGate().Approve(doc, &c, passingValidation())
	require.True(t, d.Approved)
	assert.NotZero(t, d.Evidence.LineStart, "gate scans for the hts line itself")
}
