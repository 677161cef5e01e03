package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"treeline/internal/domain"
	"treeline/internal/events"
	"treeline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// DefaultProjectPrefix is used for issue key generation when no prefix is given.
const DefaultProjectPrefix = "TL"

var linkTypes = map[string]bool{
	"parent of":  true,
	"child of":   true,
	"blocks":     true,
	"blocked by": true,
	"relates to": true,
	"duplicates": true,
}

// IssueCreateOptions are parameters for creating an issue.
type IssueCreateOptions struct {
	Key         string
	Summary     string
	Description string
	Status      string
	Labels      []string
	ParentKey   string
	EpicLink    string
	ActorID     string
}

func (e Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	if strings.TrimSpace(opts.Summary) == "" {
		return domain.Issue{}, errors.New("summary is required")
	}
	if opts.Status == "" {
		opts.Status = "open"
	}
	if !validStatus(opts.Status) {
		return domain.Issue{}, fmt.Errorf("invalid status %s", opts.Status)
	}
	if opts.ParentKey != "" {
		if _, err := e.Repo.GetIssue(ctx, opts.ParentKey); err != nil {
			return domain.Issue{}, fmt.Errorf("parent %s: %w", opts.ParentKey, err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	key := strings.ToUpper(strings.TrimSpace(opts.Key))
	if key == "" {
		n, err := e.Repo.CountIssues(ctx, tx)
		if err != nil {
			return domain.Issue{}, err
		}
		key = fmt.Sprintf("%s-%d", DefaultProjectPrefix, n+1)
	}
	now := e.now().UTC().Format(time.RFC3339)
	is := domain.Issue{
		Key:         key,
		Summary:     opts.Summary,
		Description: opts.Description,
		Status:      opts.Status,
		Labels:      opts.Labels,
		ParentKey:   optionalString(opts.ParentKey),
		EpicLink:    optionalString(opts.EpicLink),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertIssue(ctx, tx, is); err != nil {
		return domain.Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "issue.created", "issue", is.Key, opts.ActorID, events.EventPayload{"summary": is.Summary}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return is, nil
}

// IssueUpdateOptions carries fields to change; nil pointers leave the field untouched.
type IssueUpdateOptions struct {
	Summary     *string
	Description *string
	Status      *string
	Labels      []string
	ParentKey   *string
	EpicLink    *string
	ActorID     string
}

func (e Engine) UpdateIssue(ctx context.Context, key string, opts IssueUpdateOptions) (domain.Issue, error) {
	is, err := e.Repo.GetIssue(ctx, key)
	if err != nil {
		return domain.Issue{}, err
	}
	if opts.Summary != nil {
		if strings.TrimSpace(*opts.Summary) == "" {
			return domain.Issue{}, errors.New("summary must not be empty")
		}
		is.Summary = *opts.Summary
	}
	if opts.Description != nil {
		is.Description = *opts.Description
	}
	if opts.Status != nil {
		if !validStatus(*opts.Status) {
			return domain.Issue{}, fmt.Errorf("invalid status %s", *opts.Status)
		}
		is.Status = *opts.Status
	}
	if opts.Labels != nil {
		is.Labels = opts.Labels
	}
	if opts.ParentKey != nil {
		if *opts.ParentKey == "" {
			is.ParentKey = nil
		} else {
			if *opts.ParentKey == key {
				return domain.Issue{}, errors.New("issue cannot be its own parent")
			}
			if _, err := e.Repo.GetIssue(ctx, *opts.ParentKey); err != nil {
				return domain.Issue{}, fmt.Errorf("parent %s: %w", *opts.ParentKey, err)
			}
			is.ParentKey = opts.ParentKey
		}
	}
	if opts.EpicLink != nil {
		if *opts.EpicLink == "" {
			is.EpicLink = nil
		} else {
			is.EpicLink = opts.EpicLink
		}
	}
	is.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateIssue(ctx, tx, is); err != nil {
		return domain.Issue{}, err
	}
	if err := e.Events.Append(ctx, tx, "issue.updated", "issue", is.Key, opts.ActorID, events.EventPayload{"status": is.Status}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return is, nil
}

func (e Engine) DeleteIssue(ctx context.Context, key, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteIssue(ctx, tx, key); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "issue.deleted", "issue", key, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// LinkIssues records a directed typed link between two existing issues.
func (e Engine) LinkIssues(ctx context.Context, sourceKey, targetKey, linkType, actorID string) (domain.IssueLink, error) {
	linkType = strings.ToLower(strings.TrimSpace(linkType))
	if !linkTypes[linkType] {
		return domain.IssueLink{}, fmt.Errorf("unknown link type %q", linkType)
	}
	if sourceKey == targetKey {
		return domain.IssueLink{}, errors.New("issue cannot link to itself")
	}
	if _, err := e.Repo.GetIssue(ctx, sourceKey); err != nil {
		return domain.IssueLink{}, fmt.Errorf("source %s: %w", sourceKey, err)
	}
	if _, err := e.Repo.GetIssue(ctx, targetKey); err != nil {
		return domain.IssueLink{}, fmt.Errorf("target %s: %w", targetKey, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.IssueLink{}, err
	}
	defer tx.Rollback()

	link := domain.IssueLink{
		SourceKey: sourceKey,
		TargetKey: targetKey,
		Type:      linkType,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	id, err := e.Repo.InsertLink(ctx, tx, link)
	if err != nil {
		return domain.IssueLink{}, fmt.Errorf("insert link: %w", err)
	}
	link.ID = id
	if err := e.Events.Append(ctx, tx, "issue.linked", "issue", sourceKey, actorID, events.EventPayload{"target": targetKey, "type": linkType}); err != nil {
		return domain.IssueLink{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.IssueLink{}, err
	}
	return link, nil
}

func validStatus(s string) bool {
	switch s {
	case "open", "in_progress", "done", "closed":
		return true
	}
	return false
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
