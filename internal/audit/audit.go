// Package audit builds the immutable entries that accompany every mutation.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"feedbackhub/api/internal/store"
	"feedbackhub/api/internal/util"
)

const (
	ActionUpdatePostStatus = "update_post_status"
	ActionUpdatePostTags   = "update_post_tags"
	ActionCreateTag        = "create_tag"
	ActionCreateType       = "create_type"
	ActionToggleUpvote     = "toggle_upvote"
)

var actions = map[string]struct{}{
	ActionUpdatePostStatus: {},
	ActionUpdatePostTags:   {},
	ActionCreateTag:        {},
	ActionCreateType:       {},
	ActionToggleUpvote:     {},
}

func IsAction(value string) bool {
	_, ok := actions[value]
	return ok
}

// NewEntry marshals the old and new values. A nil value is stored as SQL NULL.
func NewEntry(action, userID, companyID, resourceID string, oldValue, newValue any, at time.Time) (store.AuditEntry, error) {
	if !IsAction(action) {
		return store.AuditEntry{}, fmt.Errorf("unknown audit action %q", action)
	}
	oldJSON, err := marshalValue(oldValue)
	if err != nil {
		return store.AuditEntry{}, fmt.Errorf("marshal old value: %w", err)
	}
	newJSON, err := marshalValue(newValue)
	if err != nil {
		return store.AuditEntry{}, fmt.Errorf("marshal new value: %w", err)
	}
	return store.AuditEntry{
		ID:         util.NewID("aud"),
		Action:     action,
		UserID:     userID,
		CompanyID:  companyID,
		ResourceID: resourceID,
		OldValue:   oldJSON,
		NewValue:   newJSON,
		CreatedAt:  at.UTC(),
	}, nil
}

func marshalValue(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

// PostStatusChange records {"status": old} -> {"status": new}.
func PostStatusChange(userID string, at time.Time) store.PostAuditFunc {
	return func(before, after store.Post) (store.AuditEntry, error) {
		return NewEntry(ActionUpdatePostStatus, userID, after.CompanyID, after.ID,
			map[string]string{"status": before.Status},
			map[string]string{"status": after.Status},
			at)
	}
}

// PostTagsChange records the full tag sequence before and after.
func PostTagsChange(userID string, at time.Time) store.PostAuditFunc {
	return func(before, after store.Post) (store.AuditEntry, error) {
		return NewEntry(ActionUpdatePostTags, userID, after.CompanyID, after.ID,
			map[string][]string{"tags": nonNil(before.Tags)},
			map[string][]string{"tags": nonNil(after.Tags)},
			at)
	}
}

func UpvoteToggle(userID string, at time.Time) store.UpvoteAuditFunc {
	return func(result store.UpvoteResult) (store.AuditEntry, error) {
		return NewEntry(ActionToggleUpvote, userID, result.CompanyID, result.PostID,
			map[string]bool{"upvoted": !result.Upvoted},
			map[string]any{"upvoted": result.Upvoted, "upvotesCount": result.UpvotesCount},
			at)
	}
}

func TagCreated(userID string, tag store.Tag) (store.AuditEntry, error) {
	companyID := ""
	if tag.CompanyID != nil {
		companyID = *tag.CompanyID
	}
	return NewEntry(ActionCreateTag, userID, companyID, tag.ID, nil, map[string]any{
		"tagId":     tag.ID,
		"companyId": tag.CompanyID,
		"name":      tag.Name,
		"color":     tag.Color,
	}, tag.CreatedAt)
}

func TypeCreated(userID string, item store.FeedbackType) (store.AuditEntry, error) {
	return NewEntry(ActionCreateType, userID, item.CompanyID, item.ID, nil, map[string]any{
		"typeId":    item.ID,
		"companyId": item.CompanyID,
		"name":      item.Name,
		"emoji":     item.Emoji,
		"color":     item.Color,
	}, item.CreatedAt)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
