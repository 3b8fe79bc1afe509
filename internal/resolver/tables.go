package resolver

import (
	_ "embed"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sells-group/tariff-sync/internal/model"
)

//go:embed tables.yaml
var tablesYAML []byte

type codeEntry struct {
	Code     string        `yaml:"code"`
	Program  model.Program `yaml:"program"`
	ListCode string        `yaml:"list_code"`
	Material string        `yaml:"material"`
	Country  string        `yaml:"country"`
}

type prefixEntry struct {
	Prefix   string        `yaml:"prefix"`
	Program  model.Program `yaml:"program"`
	Material string        `yaml:"material"`
}

type tables struct {
	Codes            []codeEntry                `yaml:"codes"`
	Prefixes         []prefixEntry              `yaml:"prefixes"`
	Keywords         map[model.Program][]string `yaml:"keywords"`
	MaterialChapters map[string][][2]int        `yaml:"material_chapters"`
}

var codeTables = mustLoadTables()

func mustLoadTables() *tables {
	var t tables
	if err := yaml.Unmarshal(tablesYAML, &t); err != nil {
		panic("resolver: bad embedded tables: " + err.Error())
	}
	return &t
}

func (t *tables) lookupCode(code string) (codeEntry, bool) {
	for _, e := range t.Codes {
		if e.Code == code {
			return e, true
		}
	}
	return codeEntry{}, false
}

func (t *tables) lookupPrefix(code string) (prefixEntry, bool) {
	best := prefixEntry{}
	found := false
	for _, e := range t.Prefixes {
		if strings.HasPrefix(code, e.Prefix) && len(e.Prefix) > len(best.Prefix) {
			best = e
			found = true
		}
	}
	return best, found
}

// materialForChapter maps an HTS chapter number to the material whose
// configured chapter ranges cover it.
func (t *tables) materialForChapter(chapter int, preferred string) (string, bool) {
	inRange := func(material string) bool {
		for _, r := range t.MaterialChapters[material] {
			if chapter >= r[0] && chapter <= r[1] {
				return true
			}
		}
		return false
	}
	if preferred != "" && inRange(preferred) {
		return preferred, true
	}
	var candidates []string
	for material := range t.MaterialChapters {
		if inRange(material) {
			candidates = append(candidates, material)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	// Deterministic preference: a derivative variant of the preferred
	// material, then the base (shortest) name.
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) < len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})
	if preferred != "" {
		for _, c := range candidates {
			if strings.HasPrefix(c, preferred) {
				return c, true
			}
		}
	}
	return candidates[0], true
}

// htsChapter extracts the 2-digit chapter from an HTS code in dotted or
// bare form.
func htsChapter(hts string) int {
	digits := strings.ReplaceAll(hts, ".", "")
	if len(digits) < 2 {
		return 0
	}
	n, err := strconv.Atoi(digits[:2])
	if err != nil {
		return 0
	}
	return n
}
