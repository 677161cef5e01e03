package hierarchy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// Extractor pulls acceptance criteria out of free-form issue descriptions.
// Strategies are tried in order and the first one that yields at least one
// valid criterion wins.
type Extractor struct {
	log *zap.Logger
}

func NewExtractor(log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{log: log}
}

const maxCriterionLength = 500

var (
	acMarkerRe    = regexp.MustCompile(`(?i)\bAC[-\s]?(\d+)\s*[:.)]\s*(.+)`)
	acHeadingRe   = regexp.MustCompile(`(?i)^\s*#{0,6}\s*acceptance criteria\b`)
	reqHeadingRe  = regexp.MustCompile(`(?i)^\s*#{0,6}\s*(requirements|objectives)\b`)
	bulletRe      = regexp.MustCompile(`^\s*[-*•]\s+(.+)`)
	checkboxRe    = regexp.MustCompile(`^\s*(?:[-*]\s*)?\[(?: |x|X)\]\s+(.+)`)
	numberedRe    = regexp.MustCompile(`^\s*\d+[.)]\s+(.+)`)
	anyHeadingRe  = regexp.MustCompile(`^\s*#{1,6}\s+\S|^[A-Za-z][A-Za-z ]{0,60}:\s*$`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
	actionVerbSet = map[string]bool{
		"implement": true, "create": true, "add": true, "fix": true,
		"ensure": true, "verify": true, "validate": true, "support": true,
		"handle": true,
	}
)

type candidate struct {
	id   string
	text string
}

// Extract returns the criteria found in a description, tagged with the epic
// key they came from.
func (e *Extractor) Extract(description, sourceKey string) []AcceptanceCriterion {
	lines := strings.Split(description, "\n")
	strategies := []func([]string) []candidate{
		extractMarkers,
		extractHeadingBullets,
		extractCheckboxes,
		extractNumberedSections,
		extractActionBullets,
	}
	for _, strategy := range strategies {
		var out []AcceptanceCriterion
		n := 0
		for _, c := range strategy(lines) {
			text, ok := normalize(c.text)
			if !ok {
				continue
			}
			n++
			id := c.id
			if id == "" {
				id = fmt.Sprintf("AC-%d", n)
			}
			out = append(out, AcceptanceCriterion{
				ID:          id,
				Description: text,
				SourceEpic:  sourceKey,
			})
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// extractMarkers picks up explicit AC-1 / AC 2: style markers.
func extractMarkers(lines []string) []candidate {
	var out []candidate
	for _, line := range lines {
		if m := acMarkerRe.FindStringSubmatch(line); m != nil {
			out = append(out, candidate{id: "AC-" + m[1], text: m[2]})
		}
	}
	return out
}

// extractHeadingBullets collects bullet items under an "Acceptance Criteria"
// heading, stopping at the next heading.
func extractHeadingBullets(lines []string) []candidate {
	return underHeading(lines, acHeadingRe, bulletRe)
}

func extractCheckboxes(lines []string) []candidate {
	var out []candidate
	for _, line := range lines {
		if m := checkboxRe.FindStringSubmatch(line); m != nil {
			out = append(out, candidate{text: m[1]})
		}
	}
	return out
}

// extractNumberedSections collects numbered items under a "Requirements" or
// "Objectives" heading.
func extractNumberedSections(lines []string) []candidate {
	return underHeading(lines, reqHeadingRe, numberedRe)
}

// extractActionBullets keeps bullets that read like a task, i.e. start with
// a recognized action verb.
func extractActionBullets(lines []string) []candidate {
	var out []candidate
	for _, line := range lines {
		m := bulletRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		words := strings.FieldsFunc(m[1], func(r rune) bool {
			return !unicode.IsLetter(r)
		})
		if len(words) > 0 && actionVerbSet[strings.ToLower(words[0])] {
			out = append(out, candidate{text: m[1]})
		}
	}
	return out
}

func underHeading(lines []string, heading, item *regexp.Regexp) []candidate {
	var out []candidate
	inSection := false
	for _, line := range lines {
		if heading.MatchString(line) {
			inSection = true
			continue
		}
		if !inSection {
			continue
		}
		if m := item.FindStringSubmatch(line); m != nil {
			out = append(out, candidate{text: m[1]})
			continue
		}
		if anyHeadingRe.MatchString(line) {
			break
		}
	}
	return out
}

// normalize collapses whitespace, strips trailing punctuation, and enforces
// length and content checks. The second return is false when the text is not
// a usable criterion.
func normalize(text string) (string, bool) {
	text = whitespaceRe.ReplaceAllString(strings.TrimSpace(text), " ")
	if len(text) > maxCriterionLength {
		text = strings.TrimSpace(text[:maxCriterionLength])
	}
	if strings.HasSuffix(text, ":") {
		return "", false
	}
	text = strings.TrimRight(text, ".,;")
	if len(text) < 3 {
		return "", false
	}
	alnum := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	if alnum*2 < len(text) {
		return "", false
	}
	return text, true
}

// ExtractFromHierarchy aggregates criteria across a whole tree. Nodes that
// already carry criteria keep them; IDs colliding across epics are prefixed
// with their epic key.
func (e *Extractor) ExtractFromHierarchy(root *EpicNode) []AcceptanceCriterion {
	if root == nil {
		return nil
	}
	var all []AcceptanceCriterion
	seen := make(map[string]bool)
	var walk func(n *EpicNode)
	walk = func(n *EpicNode) {
		if n.Criteria == nil {
			n.Criteria = e.Extract(n.Description, n.Key)
		}
		for _, c := range n.Criteria {
			if seen[c.ID] {
				c.ID = n.Key + ":" + c.ID
			}
			seen[c.ID] = true
			all = append(all, c)
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(root)
	return all
}

// MergeDuplicates collapses criteria whose descriptions are identical after
// normalization or whose word sets overlap with a Jaccard index of 0.8 or
// more. The surviving entry lists every source epic that contributed.
func MergeDuplicates(criteria []AcceptanceCriterion) []AcceptanceCriterion {
	var out []AcceptanceCriterion
	for _, c := range criteria {
		merged := false
		for i := range out {
			if !similar(out[i].Description, c.Description) {
				continue
			}
			sources := strings.Split(out[i].SourceEpic, ",")
			if !containsString(sources, c.SourceEpic) {
				sources = append(sources, c.SourceEpic)
				sort.Strings(sources)
				out[i].SourceEpic = strings.Join(sources, ",")
			}
			merged = true
			break
		}
		if !merged {
			out = append(out, c)
		}
	}
	return out
}

func similar(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la == lb {
		return true
	}
	return jaccard(strings.Fields(la), strings.Fields(lb)) >= 0.8
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[w] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, w := range b {
		if seen[w] {
			continue
		}
		seen[w] = true
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
