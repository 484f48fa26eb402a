package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("FEEDBACK_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("FEEDBACK_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	s := NewPostgresStore(db)
	if err := s.InsertCompany(ctx, Company{ID: "acme", Name: "Acme", Members: []string{"u1", "u2"}}); err != nil {
		t.Fatalf("InsertCompany() error = %v", err)
	}
	if err := s.InsertPost(ctx, Post{ID: "p1", CompanyID: "acme", Title: "Dark mode", Tags: []string{}}); err != nil {
		t.Fatalf("InsertPost() error = %v", err)
	}
	return s
}

func statusAudit(before, after Post) (AuditEntry, error) {
	oldValue, _ := json.Marshal(before.Status)
	newValue, _ := json.Marshal(after.Status)
	return AuditEntry{
		ID:         "aud-" + after.Status + "-" + after.UpdatedAt.Format(time.RFC3339Nano),
		Action:     "update_post_status",
		UserID:     "u1",
		CompanyID:  after.CompanyID,
		ResourceID: after.ID,
		OldValue:   oldValue,
		NewValue:   newValue,
		CreatedAt:  after.UpdatedAt,
	}, nil
}

func TestPostgresStoreCompanyMembers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	company, err := s.GetCompany(ctx, "acme")
	if err != nil {
		t.Fatalf("GetCompany() error = %v", err)
	}
	if !company.HasMember("u1") || !company.HasMember("u2") || company.HasMember("u3") {
		t.Fatalf("unexpected members: %v", company.Members)
	}
	if _, err := s.GetCompany(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetCompany(missing) error = %v, want sql.ErrNoRows", err)
	}
}

func TestPostgresStoreUpdatePostStatusWritesAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Millisecond)

	post, err := s.UpdatePostStatus(ctx, "p1", StatusAccepted, at, statusAudit)
	if err != nil {
		t.Fatalf("UpdatePostStatus() error = %v", err)
	}
	if post.Status != StatusAccepted {
		t.Fatalf("expected Accepted, got %q", post.Status)
	}

	stored, err := s.GetPost(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPost() error = %v", err)
	}
	if stored.Status != StatusAccepted {
		t.Fatalf("stored status = %q", stored.Status)
	}

	entries, err := s.ListAuditLog(ctx, "acme", "update_post_status", 10)
	if err != nil {
		t.Fatalf("ListAuditLog() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	var oldValue, newValue string
	_ = json.Unmarshal(entries[0].OldValue, &oldValue)
	_ = json.Unmarshal(entries[0].NewValue, &newValue)
	if oldValue != StatusUnderReview || newValue != StatusAccepted {
		t.Fatalf("unexpected audit values %q -> %q", oldValue, newValue)
	}
}

func TestPostgresStoreAuditFailureRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	failing := func(Post, Post) (AuditEntry, error) { return AuditEntry{}, errors.New("audit unavailable") }
	if _, err := s.UpdatePostStatus(ctx, "p1", StatusRejected, time.Now(), failing); err == nil {
		t.Fatal("expected audit failure to fail the update")
	}

	post, err := s.GetPost(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPost() error = %v", err)
	}
	if post.Status != StatusUnderReview {
		t.Fatalf("status changed despite rollback: %q", post.Status)
	}
}

func TestPostgresStoreReplacePostTagsKeepsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	acme := "acme"
	for _, id := range []string{"t1", "t2"} {
		entry := AuditEntry{ID: "aud-" + id, Action: "create_tag", UserID: "u1", CompanyID: acme, ResourceID: id, CreatedAt: time.Now()}
		if err := s.InsertTag(ctx, Tag{ID: id, CompanyID: &acme, Name: id, Color: "#fff", CreatedAt: time.Now()}, entry); err != nil {
			t.Fatalf("InsertTag() error = %v", err)
		}
	}
	global := AuditEntry{ID: "aud-g", Action: "create_tag", UserID: "u1", ResourceID: "g", CreatedAt: time.Now()}
	if err := s.InsertTag(ctx, Tag{ID: "g", Name: "UX", Color: "#000", CreatedAt: time.Now()}, global); err != nil {
		t.Fatalf("InsertTag(global) error = %v", err)
	}

	tags, err := s.GetTags(ctx, []string{"t2", "g", "missing"})
	if err != nil {
		t.Fatalf("GetTags() error = %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %+v", tags)
	}

	want := []string{"t2", "g", "t1"}
	post, err := s.ReplacePostTags(ctx, "p1", want, time.Now(), statusAudit)
	if err != nil {
		t.Fatalf("ReplacePostTags() error = %v", err)
	}
	stored, _ := s.GetPost(ctx, "p1")
	if !reflect.DeepEqual(post.Tags, want) || !reflect.DeepEqual(stored.Tags, want) {
		t.Fatalf("tags = %v / %v, want %v", post.Tags, stored.Tags, want)
	}
}

func TestPostgresStoreToggleUpvote(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	var mu sync.Mutex
	seq := 0
	audit := func(result UpvoteResult) (AuditEntry, error) {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return AuditEntry{
			ID:         "aud-up-" + string(rune('a'+seq)),
			Action:     "toggle_upvote",
			CompanyID:  result.CompanyID,
			ResourceID: result.PostID,
			CreatedAt:  time.Now(),
		}, nil
	}

	var wg sync.WaitGroup
	for _, user := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			if _, err := s.ToggleUpvote(ctx, "p1", user, time.Now(), audit); err != nil {
				t.Errorf("ToggleUpvote(%s) error = %v", user, err)
			}
		}(user)
	}
	wg.Wait()

	post, _ := s.GetPost(ctx, "p1")
	if post.UpvotesCount != 2 {
		t.Fatalf("expected 2 upvotes, got %d", post.UpvotesCount)
	}

	result, err := s.ToggleUpvote(ctx, "p1", "u1", time.Now(), audit)
	if err != nil {
		t.Fatalf("ToggleUpvote() error = %v", err)
	}
	if result.Upvoted || result.UpvotesCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if ok, _ := s.HasUpvote(ctx, "p1", "u1"); ok {
		t.Fatal("expected u1 upvote to be gone")
	}
}

func TestAuditLogImmutabilityBlocksUpdateAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.UpdatePostStatus(ctx, "p1", StatusPlanned, time.Now().UTC(), statusAudit); err != nil {
		t.Fatalf("UpdatePostStatus() error = %v", err)
	}

	cases := map[string]string{
		"UPDATE": `UPDATE audit_log SET action='tampered'`,
		"DELETE": `DELETE FROM audit_log`,
	}
	for op, stmt := range cases {
		_, err := s.DB().ExecContext(ctx, stmt)
		if err == nil {
			t.Fatalf("expected %s to be blocked", op)
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			t.Fatalf("expected PostgreSQL error, got: %v", err)
		}
		if pgErr.SQLState() != "55000" {
			t.Fatalf("expected SQLSTATE 55000, got %s", pgErr.SQLState())
		}
		if pgErr.Message != "audit_log is immutable; "+op+" is not allowed" {
			t.Fatalf("unexpected error message: %s", pgErr.Message)
		}
	}
}
