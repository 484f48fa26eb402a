package search

import (
	"time"

	"feedbackhub/api/internal/store"
)

// Indexer can push post facet documents into a search index.
type Indexer interface {
	IndexPost(record PostRecord) error
	Healthy() bool
}

// PostRecord is the facet document we index for a feedback post.
type PostRecord struct {
	ID           string   `json:"id"`
	CompanyID    string   `json:"companyId"`
	Title        string   `json:"title"`
	Status       string   `json:"status"`
	Tags         []string `json:"tags"`
	UpvotesCount int      `json:"upvotesCount"`
	UpdatedAt    int64    `json:"updatedAt"`
}

func RecordFromPost(post store.Post) PostRecord {
	tags := post.Tags
	if tags == nil {
		tags = []string{}
	}
	return PostRecord{
		ID:           post.ID,
		CompanyID:    post.CompanyID,
		Title:        post.Title,
		Status:       post.Status,
		Tags:         tags,
		UpvotesCount: post.UpvotesCount,
		UpdatedAt:    post.UpdatedAt.UTC().Truncate(time.Second).Unix(),
	}
}
