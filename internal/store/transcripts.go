package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/salescoach/api/internal/model"
)

// Caller identifies who is acting on transcripts, for authorization scoping.
type Caller struct {
	UserID string
	Role   model.Role
	TeamID string
	Admin  bool
}

// FilterAuthorizedTranscripts narrows the requested transcript ids to those
// the caller may act on: admins any, managers their team's reps, reps their
// own. Unknown and unauthorized ids are silently dropped; order is kept.
func (s *Store) FilterAuthorizedTranscripts(ctx context.Context, caller Caller, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}

	var query string
	switch {
	case caller.Admin || caller.Role == model.RoleAdmin:
		query = `SELECT id FROM transcripts WHERE id IN (` + placeholders + `)`
	case caller.Role == model.RoleManager:
		teamID := caller.TeamID
		if teamID == "" {
			user, err := s.GetUser(ctx, caller.UserID)
			if err != nil {
				return nil, err
			}
			teamID = user.TeamID
		}
		query = `SELECT t.id FROM transcripts t
			JOIN users u ON u.id = t.user_id
			WHERE t.id IN (` + placeholders + `) AND u.team_id = ?`
		args = append(args, teamID)
	default:
		query = `SELECT id FROM transcripts WHERE id IN (` + placeholders + `) AND user_id = ?`
		args = append(args, caller.UserID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("filtering transcripts: %w", err)
	}
	defer rows.Close()

	allowed := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		allowed[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []string
	for _, id := range ids {
		if _, ok := allowed[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

const transcriptColumns = `id, user_id, account_name, call_date, call_type, transcript_text, created_at`

func scanTranscript(row interface{ Scan(...any) error }) (model.Transcript, error) {
	var t model.Transcript
	err := row.Scan(&t.ID, &t.UserID, &t.AccountName, &t.CallDate, &t.CallType, &t.Text, &t.CreatedAt)
	return t, err
}

// GetTranscript loads one transcript including its text.
func (s *Store) GetTranscript(ctx context.Context, id string) (*model.Transcript, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcripts WHERE id = ?`, id)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading transcript %s: %w", id, err)
	}
	return &t, nil
}

// AllTranscripts returns every transcript eligible for indexing, oldest
// first so chunk ids roughly follow call order.
func (s *Store) AllTranscripts(ctx context.Context) ([]model.Transcript, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transcriptColumns+` FROM transcripts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing transcripts: %w", err)
	}
	defer rows.Close()

	var out []model.Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetUser loads one identity-store row.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, role, team_id FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &role, &u.TeamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", id, err)
	}
	u.Role = model.Role(role)
	return &u, nil
}

// UpsertUser writes an identity-store row. The CRM owns user records; this
// exists for provisioning and tests.
func (s *Store) UpsertUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, role, team_id) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email,
			role = excluded.role, team_id = excluded.team_id`,
		u.ID, u.Name, u.Email, string(u.Role), u.TeamID)
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", u.ID, err)
	}
	return nil
}

// InsertTranscript writes a transcript row. The CRM owns transcript
// records; this exists for provisioning and tests.
func (s *Store) InsertTranscript(ctx context.Context, t model.Transcript) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (id, user_id, account_name, call_date, call_type, transcript_text)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.AccountName, t.CallDate, t.CallType, t.Text)
	if err != nil {
		return fmt.Errorf("inserting transcript %s: %w", t.ID, err)
	}
	return nil
}
