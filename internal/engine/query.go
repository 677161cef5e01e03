package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"treeline/internal/domain"
	"treeline/internal/repo"
)

// Search evaluates a single-predicate query of the form `field = value`.
// Supported fields: parent, cf[<field>], "epic link", status, labels.
func (e Engine) Search(ctx context.Context, query string, maxResults int) ([]domain.Issue, error) {
	filters, err := parseQuery(query)
	if err != nil {
		return nil, err
	}
	filters.Limit = maxResults
	return e.Repo.ListIssues(ctx, filters)
}

var customFieldRe = regexp.MustCompile(`^cf\[([a-zA-Z0-9_.-]+)\]$`)

func parseQuery(query string) (repo.IssueFilters, error) {
	var f repo.IssueFilters
	query = strings.TrimSpace(query)
	if query == "" {
		return f, fmt.Errorf("empty query")
	}
	idx := strings.Index(query, "=")
	if idx < 0 {
		return f, fmt.Errorf("query %q: expected field = value", query)
	}
	field := strings.TrimSpace(query[:idx])
	value := strings.TrimSpace(query[idx+1:])
	value = strings.Trim(value, `"'`)
	if value == "" {
		return f, fmt.Errorf("query %q: empty value", query)
	}

	if m := customFieldRe.FindStringSubmatch(field); m != nil {
		if m[1] != "epic_link" {
			return f, fmt.Errorf("unknown custom field %q", m[1])
		}
		f.EpicLink = value
		return f, nil
	}

	switch strings.ToLower(strings.Trim(field, `"'`)) {
	case "parent":
		f.ParentKey = value
	case "epic link", "epic_link":
		f.EpicLink = value
	case "status":
		f.Status = value
	case "labels", "label":
		f.Label = value
	default:
		return f, fmt.Errorf("unknown field %q", field)
	}
	return f, nil
}
