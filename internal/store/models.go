package store

import (
	"encoding/json"
	"time"
)

// Post statuses. Matching is exact and case-sensitive.
const (
	StatusUnderReview = "Under Review"
	StatusAccepted    = "Accepted"
	StatusRejected    = "Rejected"
	StatusPlanned     = "Planned"
	StatusCompleted   = "Completed"
)

var postStatuses = map[string]struct{}{
	StatusUnderReview: {},
	StatusAccepted:    {},
	StatusRejected:    {},
	StatusPlanned:     {},
	StatusCompleted:   {},
}

func IsPostStatus(value string) bool {
	_, ok := postStatuses[value]
	return ok
}

type Company struct {
	ID      string
	Name    string
	Members []string
}

// HasMember reports whether userID is in the company's member set.
func (c Company) HasMember(userID string) bool {
	for _, member := range c.Members {
		if member == userID {
			return true
		}
	}
	return false
}

type Post struct {
	ID           string
	CompanyID    string
	Title        string
	Status       string
	Tags         []string
	UpvotesCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Tag is global when CompanyID is nil.
type Tag struct {
	ID        string
	CompanyID *string
	Name      string
	Color     string
	CreatedAt time.Time
}

// AssignableTo reports whether the tag may be attached to a post of companyID.
func (t Tag) AssignableTo(companyID string) bool {
	return t.CompanyID == nil || *t.CompanyID == companyID
}

type FeedbackType struct {
	ID        string
	CompanyID string
	Name      string
	Emoji     string
	Color     string
	CreatedAt time.Time
}

type Upvote struct {
	PostID    string
	UserID    string
	CreatedAt time.Time
}

// UpvoteResult describes the outcome of one toggle.
type UpvoteResult struct {
	PostID       string
	CompanyID    string
	Upvoted      bool
	UpvotesCount int
}

type AuditEntry struct {
	ID         string
	Action     string
	UserID     string
	CompanyID  string
	ResourceID string
	OldValue   json.RawMessage
	NewValue   json.RawMessage
	CreatedAt  time.Time
}
