package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"treeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const issueColumns = `key,summary,description,status,labels_json,parent_key,epic_link,created_at,updated_at`

func scanIssue(scan func(dest ...any) error) (domain.Issue, error) {
	var is domain.Issue
	var description, labels, parentKey, epicLink sql.NullString
	err := scan(&is.Key, &is.Summary, &description, &is.Status, &labels, &parentKey, &epicLink, &is.CreatedAt, &is.UpdatedAt)
	if err == sql.ErrNoRows {
		return is, ErrNotFound
	}
	if err != nil {
		return is, err
	}
	if description.Valid {
		is.Description = description.String
	}
	if labels.Valid && labels.String != "" {
		_ = json.Unmarshal([]byte(labels.String), &is.Labels)
	}
	if parentKey.Valid {
		is.ParentKey = &parentKey.String
	}
	if epicLink.Valid {
		is.EpicLink = &epicLink.String
	}
	return is, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	labels, err := marshalStringSlice(is.Labels)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		is.Key, is.Summary, nullable(is.Description), is.Status, nullableStringPtr(labels),
		nullableStringPtr(is.ParentKey), nullableStringPtr(is.EpicLink), is.CreatedAt, is.UpdatedAt)
	return err
}

func (r Repo) UpdateIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	labels, err := marshalStringSlice(is.Labels)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE issues SET summary=?, description=?, status=?, labels_json=?, parent_key=?, epic_link=?, updated_at=? WHERE key=?`,
		is.Summary, nullable(is.Description), is.Status, nullableStringPtr(labels),
		nullableStringPtr(is.ParentKey), nullableStringPtr(is.EpicLink), is.UpdatedAt, is.Key)
	return err
}

func (r Repo) GetIssue(ctx context.Context, key string) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE key=?`, key)
	return scanIssue(row.Scan)
}

func (r Repo) DeleteIssue(ctx context.Context, tx *sql.Tx, key string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE key=?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountIssues returns the total number of issues; used for key generation.
func (r Repo) CountIssues(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM issues`).Scan(&n)
	return n, err
}

type IssueFilters struct {
	ParentKey string
	EpicLink  string
	Status    string
	Label     string
	Limit     int
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.ParentKey != "" {
		clauses = append(clauses, "parent_key=?")
		args = append(args, f.ParentKey)
	}
	if f.EpicLink != "" {
		clauses = append(clauses, "epic_link=?")
		args = append(args, f.EpicLink)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Label != "" {
		clauses = append(clauses, "labels_json LIKE ?")
		args = append(args, fmt.Sprintf(`%%%q%%`, f.Label))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + ` ORDER BY created_at ASC, key ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

func (r Repo) InsertLink(ctx context.Context, tx *sql.Tx, link domain.IssueLink) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO issue_links(source_key,target_key,type,created_at) VALUES (?,?,?,?)`,
		link.SourceKey, link.TargetKey, link.Type, link.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) DeleteLink(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM issue_links WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LinksFor returns every link that touches the given issue, source or target side.
func (r Repo) LinksFor(ctx context.Context, key string) ([]domain.IssueLink, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,source_key,target_key,type,created_at FROM issue_links WHERE source_key=? OR target_key=? ORDER BY id ASC`, key, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IssueLink
	for rows.Next() {
		var l domain.IssueLink
		if err := rows.Scan(&l.ID, &l.SourceKey, &l.TargetKey, &l.Type, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
