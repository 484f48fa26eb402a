package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func seededMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.InsertCompany(ctx, Company{ID: "acme", Name: "Acme", Members: []string{"u1", "u2"}}); err != nil {
		t.Fatalf("InsertCompany() error = %v", err)
	}
	if err := s.InsertPost(ctx, Post{ID: "p1", CompanyID: "acme", Title: "Dark mode", Tags: []string{"t1"}}); err != nil {
		t.Fatalf("InsertPost() error = %v", err)
	}
	return s
}

func auditFor(action string) PostAuditFunc {
	return func(before, after Post) (AuditEntry, error) {
		oldValue, _ := json.Marshal(before.Status)
		newValue, _ := json.Marshal(after.Status)
		return AuditEntry{ID: action + "-" + after.Status, Action: action, CompanyID: after.CompanyID, ResourceID: after.ID, OldValue: oldValue, NewValue: newValue, CreatedAt: after.UpdatedAt}, nil
	}
}

func TestMemoryStoreUpdatePostStatus(t *testing.T) {
	s := seededMemoryStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	post, err := s.UpdatePostStatus(ctx, "p1", StatusAccepted, at, auditFor("update_post_status"))
	if err != nil {
		t.Fatalf("UpdatePostStatus() error = %v", err)
	}
	if post.Status != StatusAccepted || !post.UpdatedAt.Equal(at) {
		t.Fatalf("unexpected post: %+v", post)
	}

	entries, _ := s.ListAuditLog(ctx, "acme", "", 10)
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if string(entries[0].OldValue) != `"Under Review"` || string(entries[0].NewValue) != `"Accepted"` {
		t.Fatalf("unexpected audit values: %s -> %s", entries[0].OldValue, entries[0].NewValue)
	}
}

func TestMemoryStoreAuditFailureLeavesPostUnchanged(t *testing.T) {
	s := seededMemoryStore(t)
	ctx := context.Background()

	failing := func(Post, Post) (AuditEntry, error) { return AuditEntry{}, errors.New("boom") }
	if _, err := s.ReplacePostTags(ctx, "p1", []string{"t2"}, time.Now(), failing); err == nil {
		t.Fatal("expected error from failing audit builder")
	}

	post, err := s.GetPost(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPost() error = %v", err)
	}
	if !reflect.DeepEqual(post.Tags, []string{"t1"}) {
		t.Fatalf("tags changed despite failed audit: %v", post.Tags)
	}
	if entries, _ := s.ListAuditLog(ctx, "acme", "", 10); len(entries) != 0 {
		t.Fatalf("expected no audit entries, got %d", len(entries))
	}
}

func TestMemoryStoreMissingRecordsReturnNoRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.GetPost(ctx, "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetPost() error = %v, want sql.ErrNoRows", err)
	}
	if _, err := s.GetCompany(ctx, "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetCompany() error = %v, want sql.ErrNoRows", err)
	}
	noop := func(UpvoteResult) (AuditEntry, error) { return AuditEntry{}, nil }
	if _, err := s.ToggleUpvote(ctx, "nope", "u1", time.Now(), noop); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("ToggleUpvote() error = %v, want sql.ErrNoRows", err)
	}
}

func TestMemoryStoreGetTagsSkipsMissing(t *testing.T) {
	s := NewMemoryStore()
	acme := "acme"
	s.PutTag(Tag{ID: "t1", CompanyID: &acme, Name: "Bug"})
	s.PutTag(Tag{ID: "global", Name: "UX"})

	tags, err := s.GetTags(context.Background(), []string{"t1", "missing", "global", "t1"})
	if err != nil {
		t.Fatalf("GetTags() error = %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %+v", tags)
	}
}

func TestMemoryStoreToggleUpvoteConcurrentUsers(t *testing.T) {
	s := seededMemoryStore(t)
	ctx := context.Background()
	noop := func(UpvoteResult) (AuditEntry, error) { return AuditEntry{Action: "toggle_upvote", CompanyID: "acme"}, nil }

	var wg sync.WaitGroup
	for _, user := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			if _, err := s.ToggleUpvote(ctx, "p1", user, time.Now(), noop); err != nil {
				t.Errorf("ToggleUpvote(%s) error = %v", user, err)
			}
		}(user)
	}
	wg.Wait()

	post, _ := s.GetPost(ctx, "p1")
	if post.UpvotesCount != 2 {
		t.Fatalf("expected 2 upvotes, got %d", post.UpvotesCount)
	}

	result, err := s.ToggleUpvote(ctx, "p1", "u1", time.Now(), noop)
	if err != nil {
		t.Fatalf("ToggleUpvote() error = %v", err)
	}
	if result.Upvoted || result.UpvotesCount != 1 {
		t.Fatalf("unexpected toggle result: %+v", result)
	}
	if ok, _ := s.HasUpvote(ctx, "p1", "u1"); ok {
		t.Fatal("expected u1 upvote to be removed")
	}
}

func TestMemoryStoreListAuditLogOrdersNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, action := range []string{"create_tag", "create_type", "create_tag"} {
		tag := Tag{ID: action + string(rune('a'+i)), Name: "n"}
		entry := AuditEntry{ID: tag.ID, Action: action, CompanyID: "acme", ResourceID: tag.ID, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.InsertTag(ctx, tag, entry); err != nil {
			t.Fatalf("InsertTag() error = %v", err)
		}
	}

	entries, err := s.ListAuditLog(ctx, "acme", "create_tag", 10)
	if err != nil {
		t.Fatalf("ListAuditLog() error = %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "create_tagc" || entries[1].ID != "create_taga" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	limited, _ := s.ListAuditLog(ctx, "acme", "", 1)
	if len(limited) != 1 || limited[0].ID != "create_tagc" {
		t.Fatalf("unexpected limited entries: %+v", limited)
	}
}

func TestMemoryStoreDuplicateInsertConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	item := FeedbackType{ID: "type-1", CompanyID: "acme", Name: "Bug", Emoji: "🐛"}
	if err := s.InsertType(ctx, item, AuditEntry{ID: "a1"}); err != nil {
		t.Fatalf("InsertType() error = %v", err)
	}
	if err := s.InsertType(ctx, item, AuditEntry{ID: "a2"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("InsertType() error = %v, want ErrConflict", err)
	}
	if entries, _ := s.ListAuditLog(ctx, "", "", 10); len(entries) != 1 {
		t.Fatalf("expected only the first audit entry, got %d", len(entries))
	}
}
