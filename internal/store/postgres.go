package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict is returned when an insert collides with an existing record.
var ErrConflict = errors.New("record already exists")

// PostAuditFunc builds the audit entry for a post mutation from the locked row
// state before it and the state that is about to be written.
type PostAuditFunc func(before, after Post) (AuditEntry, error)

// UpvoteAuditFunc builds the audit entry for an upvote toggle.
type UpvoteAuditFunc func(result UpvoteResult) (AuditEntry, error)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const postColumns = `id, company_id, title, status, tags, upvotes_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (Post, error) {
	var post Post
	var tags []byte
	if err := row.Scan(&post.ID, &post.CompanyID, &post.Title, &post.Status, &tags, &post.UpvotesCount, &post.CreatedAt, &post.UpdatedAt); err != nil {
		return Post{}, err
	}
	if err := json.Unmarshal(tags, &post.Tags); err != nil {
		return Post{}, fmt.Errorf("decode post tags: %w", err)
	}
	if post.Tags == nil {
		post.Tags = []string{}
	}
	return post, nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, companyID string) (Company, error) {
	var company Company
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM companies WHERE id=$1`, companyID).Scan(&company.ID, &company.Name)
	if err != nil {
		return Company{}, fmt.Errorf("get company: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id
		FROM company_members
		WHERE company_id=$1
		ORDER BY created_at ASC, user_id ASC
	`, companyID)
	if err != nil {
		return Company{}, fmt.Errorf("list company members: %w", err)
	}
	defer rows.Close()

	company.Members = make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return Company{}, fmt.Errorf("scan company member: %w", err)
		}
		company.Members = append(company.Members, userID)
	}
	if err := rows.Err(); err != nil {
		return Company{}, fmt.Errorf("iterate company members: %w", err)
	}
	return company, nil
}

func (s *PostgresStore) InsertCompany(ctx context.Context, company Company) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO companies (id, name)
			VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name
		`, company.ID, company.Name); err != nil {
			return fmt.Errorf("insert company: %w", err)
		}
		for _, userID := range company.Members {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO company_members (company_id, user_id)
				VALUES ($1, $2)
				ON CONFLICT (company_id, user_id) DO NOTHING
			`, company.ID, userID); err != nil {
				return fmt.Errorf("insert company member: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetPost(ctx context.Context, postID string) (Post, error) {
	post, err := scanPost(s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM feedback_posts WHERE id=$1`, postID))
	if err != nil {
		return Post{}, fmt.Errorf("get post: %w", err)
	}
	return post, nil
}

// InsertPost seeds a post. Posts are authored outside this service.
func (s *PostgresStore) InsertPost(ctx context.Context, post Post) error {
	tags, err := encodeTags(post.Tags)
	if err != nil {
		return err
	}
	status := post.Status
	if status == "" {
		status = StatusUnderReview
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO feedback_posts (id, company_id, title, status, tags, upvotes_count)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (id) DO NOTHING
	`, post.ID, post.CompanyID, post.Title, status, tags, post.UpvotesCount)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

// GetTags returns the tags among ids that exist. Missing ids are simply absent.
func (s *PostgresStore) GetTags(ctx context.Context, ids []string) ([]Tag, error) {
	if len(ids) == 0 {
		return []Tag{}, nil
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal tag ids: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, name, color, created_at
		FROM feedback_tags
		WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb))
	`, string(encoded))
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	items := make([]Tag, 0, len(ids))
	for rows.Next() {
		var item Tag
		var companyID sql.NullString
		if err := rows.Scan(&item.ID, &companyID, &item.Name, &item.Color, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		if companyID.Valid {
			value := companyID.String
			item.CompanyID = &value
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdatePostStatus(ctx context.Context, postID, status string, at time.Time, audit PostAuditFunc) (Post, error) {
	return s.updatePost(ctx, postID, audit,
		func(post *Post) {
			post.Status = status
			post.UpdatedAt = at
		},
		func(tx *sql.Tx, post Post) error {
			_, err := tx.ExecContext(ctx, `UPDATE feedback_posts SET status=$2, updated_at=$3 WHERE id=$1`, post.ID, post.Status, post.UpdatedAt)
			if err != nil {
				return fmt.Errorf("update post status: %w", err)
			}
			return nil
		})
}

func (s *PostgresStore) ReplacePostTags(ctx context.Context, postID string, tags []string, at time.Time, audit PostAuditFunc) (Post, error) {
	return s.updatePost(ctx, postID, audit,
		func(post *Post) {
			post.Tags = append([]string{}, tags...)
			post.UpdatedAt = at
		},
		func(tx *sql.Tx, post Post) error {
			encoded, err := encodeTags(post.Tags)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `UPDATE feedback_posts SET tags=$2::jsonb, updated_at=$3 WHERE id=$1`, post.ID, encoded, post.UpdatedAt)
			if err != nil {
				return fmt.Errorf("update post tags: %w", err)
			}
			return nil
		})
}

// updatePost locks the post row, applies the change and appends the audit
// entry in one transaction.
func (s *PostgresStore) updatePost(ctx context.Context, postID string, audit PostAuditFunc, apply func(*Post), write func(*sql.Tx, Post) error) (Post, error) {
	var after Post
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		before, err := lockPost(ctx, tx, postID)
		if err != nil {
			return err
		}
		after = before
		after.Tags = append([]string{}, before.Tags...)
		apply(&after)

		if err := write(tx, after); err != nil {
			return err
		}
		entry, err := audit(before, after)
		if err != nil {
			return fmt.Errorf("build audit entry: %w", err)
		}
		return insertAudit(ctx, tx, entry)
	})
	if err != nil {
		return Post{}, err
	}
	return after, nil
}

func lockPost(ctx context.Context, tx *sql.Tx, postID string) (Post, error) {
	post, err := scanPost(tx.QueryRowContext(ctx, `SELECT `+postColumns+` FROM feedback_posts WHERE id=$1 FOR UPDATE`, postID))
	if err != nil {
		return Post{}, fmt.Errorf("lock post: %w", err)
	}
	return post, nil
}

func (s *PostgresStore) InsertTag(ctx context.Context, tag Tag, entry AuditEntry) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var companyID any
		if tag.CompanyID != nil {
			companyID = *tag.CompanyID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feedback_tags (id, company_id, name, color, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, tag.ID, companyID, tag.Name, tag.Color, tag.CreatedAt); err != nil {
			return fmt.Errorf("insert tag: %w", mapWriteError(err))
		}
		return insertAudit(ctx, tx, entry)
	})
}

func (s *PostgresStore) InsertType(ctx context.Context, item FeedbackType, entry AuditEntry) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feedback_types (id, company_id, name, emoji, color, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, item.ID, item.CompanyID, item.Name, item.Emoji, item.Color, item.CreatedAt); err != nil {
			return fmt.Errorf("insert type: %w", mapWriteError(err))
		}
		return insertAudit(ctx, tx, entry)
	})
}

// ToggleUpvote flips the (post, user) upvote. The marker row, the post counter
// and the audit entry commit together; the post row lock serialises toggles on
// the same post.
func (s *PostgresStore) ToggleUpvote(ctx context.Context, postID, userID string, at time.Time, audit UpvoteAuditFunc) (UpvoteResult, error) {
	var result UpvoteResult
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		post, err := lockPost(ctx, tx, postID)
		if err != nil {
			return err
		}
		result = UpvoteResult{PostID: post.ID, CompanyID: post.CompanyID}

		deleted, err := tx.ExecContext(ctx, `DELETE FROM upvotes WHERE post_id=$1 AND user_id=$2`, postID, userID)
		if err != nil {
			return fmt.Errorf("delete upvote: %w", err)
		}
		affected, err := deleted.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete upvote rows: %w", err)
		}

		delta := 1
		if affected > 0 {
			delta = -1
		} else {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO upvotes (post_id, user_id, created_at)
				VALUES ($1, $2, $3)
			`, postID, userID, at); err != nil {
				return fmt.Errorf("insert upvote: %w", err)
			}
			result.Upvoted = true
		}

		if err := tx.QueryRowContext(ctx, `
			UPDATE feedback_posts
			SET upvotes_count = upvotes_count + $2
			WHERE id=$1
			RETURNING upvotes_count
		`, postID, delta).Scan(&result.UpvotesCount); err != nil {
			return fmt.Errorf("update upvote count: %w", err)
		}

		entry, err := audit(result)
		if err != nil {
			return fmt.Errorf("build audit entry: %w", err)
		}
		return insertAudit(ctx, tx, entry)
	})
	if err != nil {
		return UpvoteResult{}, err
	}
	return result, nil
}

func (s *PostgresStore) HasUpvote(ctx context.Context, postID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM upvotes WHERE post_id=$1 AND user_id=$2)`, postID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check upvote: %w", err)
	}
	return exists, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, entry AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, user_id, company_id, resource_id, old_value, new_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8)
	`, entry.ID, entry.Action, entry.UserID, entry.CompanyID, entry.ResourceID, nullableJSON(entry.OldValue), nullableJSON(entry.NewValue), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditLog(ctx context.Context, companyID, action string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, user_id, company_id, resource_id, old_value, new_value, created_at
		FROM audit_log
		WHERE company_id=$1
		  AND ($2 = '' OR action=$2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, companyID, action, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var item AuditEntry
		var oldValue, newValue []byte
		if err := rows.Scan(&item.ID, &item.Action, &item.UserID, &item.CompanyID, &item.ResourceID, &oldValue, &newValue, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		item.OldValue = json.RawMessage(oldValue)
		item.NewValue = json.RawMessage(newValue)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	return string(encoded), nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func nullableJSON(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}
