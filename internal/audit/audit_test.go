package audit

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"feedbackhub/api/internal/store"
)

func TestPostStatusChangeRecordsOldAndNew(t *testing.T) {
	at := time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)
	entry, err := PostStatusChange("user-1", at)(
		store.Post{ID: "post-1", CompanyID: "acme", Status: store.StatusUnderReview},
		store.Post{ID: "post-1", CompanyID: "acme", Status: store.StatusAccepted},
	)
	if err != nil {
		t.Fatalf("PostStatusChange() error = %v", err)
	}
	if entry.Action != ActionUpdatePostStatus || entry.UserID != "user-1" || entry.CompanyID != "acme" || entry.ResourceID != "post-1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if !strings.HasPrefix(entry.ID, "aud_") {
		t.Fatalf("expected aud_ id, got %q", entry.ID)
	}
	if !entry.CreatedAt.Equal(at) {
		t.Fatalf("CreatedAt = %v, want %v", entry.CreatedAt, at)
	}

	var oldValue, newValue map[string]string
	if err := json.Unmarshal(entry.OldValue, &oldValue); err != nil {
		t.Fatalf("decode old value: %v", err)
	}
	if err := json.Unmarshal(entry.NewValue, &newValue); err != nil {
		t.Fatalf("decode new value: %v", err)
	}
	if oldValue["status"] != "Under Review" || newValue["status"] != "Accepted" {
		t.Fatalf("unexpected values %v -> %v", oldValue, newValue)
	}
}

func TestPostTagsChangeEncodesEmptyAsArray(t *testing.T) {
	entry, err := PostTagsChange("user-1", time.Now())(
		store.Post{ID: "post-1", CompanyID: "acme"},
		store.Post{ID: "post-1", CompanyID: "acme", Tags: []string{"b", "a"}},
	)
	if err != nil {
		t.Fatalf("PostTagsChange() error = %v", err)
	}
	if string(entry.OldValue) != `{"tags":[]}` {
		t.Fatalf("old value = %s", entry.OldValue)
	}
	if string(entry.NewValue) != `{"tags":["b","a"]}` {
		t.Fatalf("new value = %s", entry.NewValue)
	}
}

func TestTagCreatedGlobalHasEmptyCompany(t *testing.T) {
	entry, err := TagCreated("user-1", store.Tag{ID: "tag-1", Name: "UX", Color: "#fff", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("TagCreated() error = %v", err)
	}
	if entry.CompanyID != "" || entry.OldValue != nil {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	var payload map[string]any
	if err := json.Unmarshal(entry.NewValue, &payload); err != nil {
		t.Fatalf("decode new value: %v", err)
	}
	if payload["tagId"] != "tag-1" || payload["companyId"] != nil {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestUpvoteToggleRecordsFlag(t *testing.T) {
	entry, err := UpvoteToggle("user-1", time.Now())(store.UpvoteResult{PostID: "post-1", CompanyID: "acme", Upvoted: false, UpvotesCount: 3})
	if err != nil {
		t.Fatalf("UpvoteToggle() error = %v", err)
	}
	if string(entry.OldValue) != `{"upvoted":true}` {
		t.Fatalf("old value = %s", entry.OldValue)
	}
	if string(entry.NewValue) != `{"upvoted":false,"upvotesCount":3}` {
		t.Fatalf("new value = %s", entry.NewValue)
	}
}

func TestNewEntryRejectsUnknownAction(t *testing.T) {
	if _, err := NewEntry("delete_everything", "u", "c", "r", nil, nil, time.Now()); err == nil {
		t.Fatal("expected error for unknown action")
	}
}
