package defect

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// Business-process scenario codes: OTC-012, P2P-105, R2R-07.3.
	scenarioRe = regexp.MustCompile(`\b([A-Z][A-Z0-9]{1,4})-(\d{2,4}(?:\.\d{1,3})?)\b`)

	// Integration interface tags: INT-015, INT_204, int015.
	integrationRe = regexp.MustCompile(`(?i)\bINT[-_]?(\d{2,4})\b`)

	// "blocks #12", "Blocking: 45, 46", "blocks defects #7 and #8".
	blocksRe = regexp.MustCompile(`(?i)\bblock(?:s|ing)\b\s*(?:(?:defects?\s*)?:\s*#?|defects?\s+#?|#)(\d+(?:\s*(?:,|and|&)\s*#?\d+)*)`)
	digitsRe = regexp.MustCompile(`\d+`)

	emptyBracketRe = regexp.MustCompile(`[\[(]\s*[,;/|&-]*\s*[\])]`)
	edgeSepRe      = regexp.MustCompile(`^[\s\-:|,;/]+|[\s\-:|,;/]+$`)
	innerSepRe     = regexp.MustCompile(`\s+[\-:|,;/]+(\s+[\-:|,;/]+)+\s+`)
)

// Derive recomputes the derived fields of d from its title and plain-text
// description. It is a pure function: deriving twice yields the same sets.
func Derive(d Defect) Defect {
	sources := []string{d.Name, d.Description}
	d.Scenarios = ExtractScenarios(sources...)
	d.Blocks = ExtractBlocks(sources...)
	d.Integrations = ExtractIntegrations(sources...)
	d.DisplayName = CleanTitle(d.Name)
	return d
}

// ExtractScenarios returns scenario codes in first-seen order.
func ExtractScenarios(texts ...string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, text := range texts {
		for _, m := range scenarioRe.FindAllStringSubmatch(text, -1) {
			if m[1] == "INT" {
				continue
			}
			code := m[1] + "-" + m[2]
			if !seen[code] {
				seen[code] = true
				out = append(out, code)
			}
		}
	}
	return out
}

// ExtractIntegrations returns integration tags, canonicalised to INT-<n>.
func ExtractIntegrations(texts ...string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, text := range texts {
		for _, m := range integrationRe.FindAllStringSubmatch(text, -1) {
			code := "INT-" + m[1]
			if !seen[code] {
				seen[code] = true
				out = append(out, code)
			}
		}
	}
	return out
}

// ExtractBlocks returns the ids of defects referenced as blocked.
func ExtractBlocks(texts ...string) []int {
	out := []int{}
	seen := map[int]bool{}
	for _, text := range texts {
		for _, m := range blocksRe.FindAllStringSubmatch(text, -1) {
			for _, num := range digitsRe.FindAllString(m[1], -1) {
				id, err := strconv.Atoi(num)
				if err != nil || seen[id] {
					continue
				}
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// CleanTitle strips codes and blocks phrases from a title. A title made of
// nothing but codes is returned unchanged.
func CleanTitle(title string) string {
	s := blocksRe.ReplaceAllString(title, " ")
	s = integrationRe.ReplaceAllString(s, " ")
	s = scenarioRe.ReplaceAllString(s, " ")
	for {
		next := emptyBracketRe.ReplaceAllString(s, " ")
		if next == s {
			break
		}
		s = next
	}
	s = innerSepRe.ReplaceAllString(s, " - ")
	s = strings.Join(strings.Fields(s), " ")
	s = edgeSepRe.ReplaceAllString(s, "")
	if s == "" {
		return strings.TrimSpace(title)
	}
	return s
}
