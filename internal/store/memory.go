package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps every record in process memory. Each mutation and its
// audit entry are applied under one lock, and nothing is written when the
// audit builder fails.
type MemoryStore struct {
	mu        sync.Mutex
	companies map[string]Company
	posts     map[string]Post
	tags      map[string]Tag
	types     map[string]FeedbackType
	upvotes   map[upvoteKey]Upvote
	audit     []AuditEntry
}

type upvoteKey struct {
	postID string
	userID string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		companies: make(map[string]Company),
		posts:     make(map[string]Post),
		tags:      make(map[string]Tag),
		types:     make(map[string]FeedbackType),
		upvotes:   make(map[upvoteKey]Upvote),
	}
}

func (s *MemoryStore) InsertCompany(_ context.Context, company Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	company.Members = append([]string{}, company.Members...)
	s.companies[company.ID] = company
	return nil
}

func (s *MemoryStore) GetCompany(_ context.Context, companyID string) (Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	company, ok := s.companies[companyID]
	if !ok {
		return Company{}, fmt.Errorf("get company: %w", sql.ErrNoRows)
	}
	company.Members = append([]string{}, company.Members...)
	return company, nil
}

func (s *MemoryStore) InsertPost(_ context.Context, post Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[post.ID]; ok {
		return nil
	}
	if post.Status == "" {
		post.Status = StatusUnderReview
	}
	post.Tags = copyTags(post.Tags)
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}
	if post.UpdatedAt.IsZero() {
		post.UpdatedAt = post.CreatedAt
	}
	s.posts[post.ID] = post
	return nil
}

func (s *MemoryStore) GetPost(_ context.Context, postID string) (Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[postID]
	if !ok {
		return Post{}, fmt.Errorf("get post: %w", sql.ErrNoRows)
	}
	post.Tags = copyTags(post.Tags)
	return post, nil
}

// PutTag seeds a tag without an audit entry, e.g. a global tag.
func (s *MemoryStore) PutTag(tag Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[tag.ID] = tag
}

func (s *MemoryStore) GetTags(_ context.Context, ids []string) ([]Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Tag, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if tag, ok := s.tags[id]; ok {
			items = append(items, tag)
		}
	}
	return items, nil
}

func (s *MemoryStore) UpdatePostStatus(_ context.Context, postID, status string, at time.Time, audit PostAuditFunc) (Post, error) {
	return s.updatePost(postID, audit, func(post *Post) {
		post.Status = status
		post.UpdatedAt = at
	})
}

func (s *MemoryStore) ReplacePostTags(_ context.Context, postID string, tags []string, at time.Time, audit PostAuditFunc) (Post, error) {
	return s.updatePost(postID, audit, func(post *Post) {
		post.Tags = copyTags(tags)
		post.UpdatedAt = at
	})
}

func (s *MemoryStore) updatePost(postID string, audit PostAuditFunc, apply func(*Post)) (Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, ok := s.posts[postID]
	if !ok {
		return Post{}, fmt.Errorf("lock post: %w", sql.ErrNoRows)
	}
	after := before
	after.Tags = copyTags(before.Tags)
	apply(&after)

	entry, err := audit(before, after)
	if err != nil {
		return Post{}, fmt.Errorf("build audit entry: %w", err)
	}
	s.posts[postID] = after
	s.audit = append(s.audit, entry)

	after.Tags = copyTags(after.Tags)
	return after, nil
}

func (s *MemoryStore) InsertTag(_ context.Context, tag Tag, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[tag.ID]; ok {
		return fmt.Errorf("insert tag %s: %w", tag.ID, ErrConflict)
	}
	s.tags[tag.ID] = tag
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) InsertType(_ context.Context, item FeedbackType, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.types[item.ID]; ok {
		return fmt.Errorf("insert type %s: %w", item.ID, ErrConflict)
	}
	s.types[item.ID] = item
	s.audit = append(s.audit, entry)
	return nil
}

func (s *MemoryStore) ToggleUpvote(_ context.Context, postID, userID string, at time.Time, audit UpvoteAuditFunc) (UpvoteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	post, ok := s.posts[postID]
	if !ok {
		return UpvoteResult{}, fmt.Errorf("lock post: %w", sql.ErrNoRows)
	}
	key := upvoteKey{postID: postID, userID: userID}
	_, exists := s.upvotes[key]

	result := UpvoteResult{PostID: post.ID, CompanyID: post.CompanyID, Upvoted: !exists}
	if exists {
		result.UpvotesCount = post.UpvotesCount - 1
	} else {
		result.UpvotesCount = post.UpvotesCount + 1
	}

	entry, err := audit(result)
	if err != nil {
		return UpvoteResult{}, fmt.Errorf("build audit entry: %w", err)
	}

	if exists {
		delete(s.upvotes, key)
	} else {
		s.upvotes[key] = Upvote{PostID: postID, UserID: userID, CreatedAt: at}
	}
	post.UpvotesCount = result.UpvotesCount
	s.posts[postID] = post
	s.audit = append(s.audit, entry)
	return result, nil
}

func (s *MemoryStore) HasUpvote(_ context.Context, postID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.upvotes[upvoteKey{postID: postID, userID: userID}]
	return ok, nil
}

func (s *MemoryStore) ListAuditLog(_ context.Context, companyID, action string, limit int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	items := make([]AuditEntry, 0)
	for _, entry := range s.audit {
		if entry.CompanyID != companyID {
			continue
		}
		if action != "" && entry.Action != action {
			continue
		}
		items = append(items, entry)
	}
	// Newest first; entries appended later win ties on CreatedAt.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func copyTags(tags []string) []string {
	return append([]string{}, tags...)
}
