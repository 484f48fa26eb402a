package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"feedbackhub/api/internal/audit"
	"feedbackhub/api/internal/auth"
	"feedbackhub/api/internal/authz"
	"feedbackhub/api/internal/config"
	"feedbackhub/api/internal/search"
	"feedbackhub/api/internal/store"
	"feedbackhub/api/internal/util"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// Store is the persistence surface the service mutates and audits through.
type Store interface {
	GetCompany(context.Context, string) (store.Company, error)
	GetPost(context.Context, string) (store.Post, error)
	GetTags(context.Context, []string) ([]store.Tag, error)
	UpdatePostStatus(context.Context, string, string, time.Time, store.PostAuditFunc) (store.Post, error)
	ReplacePostTags(context.Context, string, []string, time.Time, store.PostAuditFunc) (store.Post, error)
	InsertTag(context.Context, store.Tag, store.AuditEntry) error
	InsertType(context.Context, store.FeedbackType, store.AuditEntry) error
	ToggleUpvote(context.Context, string, string, time.Time, store.UpvoteAuditFunc) (store.UpvoteResult, error)
	ListAuditLog(context.Context, string, string, int) ([]store.AuditEntry, error)
	Ping(context.Context) error
}

type postIndexer interface {
	IndexPost(store.Post)
}

type Service struct {
	cfg      config.Config
	store    Store
	verifier auth.Verifier
	guard    *authz.Guard
	indexer  postIndexer
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

func New(cfg config.Config, dataStore Store, verifier auth.Verifier, indexer *search.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		verifier: verifier,
		guard:    authz.NewGuard(dataStore),
		indexer:  indexer,
		logger:   logger,
		validate: newValidator(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate resolves the Authorization header into an identity. Missing,
// malformed and invalid credentials all surface as the same 401.
func (s *Service) Authenticate(ctx context.Context, header string) (auth.Identity, error) {
	token, err := auth.BearerToken(header)
	if err != nil {
		return auth.Identity{}, errUnauthorized
	}
	identity, err := s.verifier.Verify(ctx, token)
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrMissingToken) {
		return auth.Identity{}, errUnauthorized
	}
	if err != nil {
		s.logger.Error("verify token", zap.Error(err))
		return auth.Identity{}, err
	}
	return identity, nil
}

func (s *Service) UpdatePostStatus(ctx context.Context, identity auth.Identity, postID string, input UpdateStatusInput) (map[string]any, error) {
	if err := s.check(input); err != nil {
		return nil, err
	}
	post, err := s.loadPost(ctx, identity, postID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureMember(ctx, identity, post.CompanyID); err != nil {
		return nil, err
	}

	at := s.now()
	updated, err := s.store.UpdatePostStatus(ctx, post.ID, input.Status, at, audit.PostStatusChange(identity.UserID, at))
	if err != nil {
		return nil, s.mutationFailed(err, audit.ActionUpdatePostStatus, identity, zap.String("post_id", post.ID), zap.String("company_id", post.CompanyID))
	}
	s.indexer.IndexPost(updated)
	s.logger.Info("post status updated",
		zap.String("user_id", identity.UserID),
		zap.String("post_id", updated.ID),
		zap.String("company_id", updated.CompanyID),
		zap.String("status", updated.Status),
	)
	return map[string]any{"success": true, "status": updated.Status}, nil
}

func (s *Service) UpdatePostTags(ctx context.Context, identity auth.Identity, postID string, input UpdateTagsInput) (map[string]any, error) {
	tags, err := s.parseTags(input.Tags)
	if err != nil {
		return nil, err
	}
	post, err := s.loadPost(ctx, identity, postID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureMember(ctx, identity, post.CompanyID); err != nil {
		return nil, err
	}
	if err := s.resolveTags(ctx, identity, post, tags); err != nil {
		return nil, err
	}

	at := s.now()
	updated, err := s.store.ReplacePostTags(ctx, post.ID, tags, at, audit.PostTagsChange(identity.UserID, at))
	if err != nil {
		return nil, s.mutationFailed(err, audit.ActionUpdatePostTags, identity, zap.String("post_id", post.ID), zap.String("company_id", post.CompanyID))
	}
	s.indexer.IndexPost(updated)
	s.logger.Info("post tags updated",
		zap.String("user_id", identity.UserID),
		zap.String("post_id", updated.ID),
		zap.String("company_id", updated.CompanyID),
		zap.Int("tag_count", len(updated.Tags)),
	)
	return map[string]any{"success": true, "tags": updated.Tags}, nil
}

// resolveTags rejects the whole assignment when any id is unknown or scoped to
// another company.
func (s *Service) resolveTags(ctx context.Context, identity auth.Identity, post store.Post, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	found, err := s.store.GetTags(ctx, ids)
	if err != nil {
		return s.internal("resolve tags", err, zap.String("user_id", identity.UserID), zap.String("post_id", post.ID))
	}
	assignable := make(map[string]struct{}, len(found))
	for _, tag := range found {
		if tag.AssignableTo(post.CompanyID) {
			assignable[tag.ID] = struct{}{}
		}
	}
	for _, id := range ids {
		if _, ok := assignable[id]; !ok {
			return validationError("Invalid tags: one or more tags do not exist or belong to another company")
		}
	}
	return nil
}

// ToggleUpvote flips the caller's vote. Any authenticated user may vote on any
// existing post.
func (s *Service) ToggleUpvote(ctx context.Context, identity auth.Identity, postID string) (map[string]any, error) {
	post, err := s.loadPost(ctx, identity, postID)
	if err != nil {
		return nil, err
	}

	at := s.now()
	result, err := s.store.ToggleUpvote(ctx, post.ID, identity.UserID, at, audit.UpvoteToggle(identity.UserID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errPostNotFound
	}
	if err != nil {
		return nil, s.mutationFailed(err, audit.ActionToggleUpvote, identity, zap.String("post_id", post.ID))
	}

	post.UpvotesCount = result.UpvotesCount
	s.indexer.IndexPost(post)
	if result.Upvoted {
		s.logger.Info("upvote added", zap.String("user_id", identity.UserID), zap.String("post_id", post.ID), zap.Int("upvotes_count", result.UpvotesCount))
	} else {
		s.logger.Debug("upvote removed", zap.String("user_id", identity.UserID), zap.String("post_id", post.ID), zap.Int("upvotes_count", result.UpvotesCount))
	}
	return map[string]any{"upvoted": result.Upvoted}, nil
}

func (s *Service) CreateTag(ctx context.Context, identity auth.Identity, input CreateTagInput) (map[string]any, error) {
	input.Name = strings.TrimSpace(input.Name)
	input.Color = strings.TrimSpace(input.Color)
	if input.CompanyID != nil {
		companyID := strings.TrimSpace(*input.CompanyID)
		input.CompanyID = &companyID
		if companyID == "" {
			input.CompanyID = nil
		}
	}
	if err := s.check(input); err != nil {
		return nil, err
	}
	if input.CompanyID != nil {
		if err := s.ensureMember(ctx, identity, *input.CompanyID); err != nil {
			return nil, err
		}
	}

	tag := store.Tag{
		ID:        util.NewID("tag"),
		CompanyID: input.CompanyID,
		Name:      input.Name,
		Color:     input.Color,
		CreatedAt: s.now(),
	}
	entry, err := audit.TagCreated(identity.UserID, tag)
	if err != nil {
		return nil, s.internal("build audit entry", err, zap.String("user_id", identity.UserID), zap.String("tag_id", tag.ID))
	}
	if err := s.store.InsertTag(ctx, tag, entry); err != nil {
		return nil, s.mutationFailed(err, audit.ActionCreateTag, identity, zap.String("tag_id", tag.ID))
	}
	s.logger.Info("tag created",
		zap.String("user_id", identity.UserID),
		zap.String("tag_id", tag.ID),
		zap.Stringp("company_id", tag.CompanyID),
	)
	return map[string]any{
		"id":        tag.ID,
		"companyId": tag.CompanyID,
		"name":      tag.Name,
		"color":     tag.Color,
	}, nil
}

func (s *Service) CreateType(ctx context.Context, identity auth.Identity, input CreateTypeInput) (map[string]any, error) {
	input.CompanyID = strings.TrimSpace(input.CompanyID)
	input.Name = strings.TrimSpace(input.Name)
	input.Emoji = strings.TrimSpace(input.Emoji)
	input.Color = strings.TrimSpace(input.Color)
	if err := s.check(input); err != nil {
		return nil, err
	}
	if err := s.ensureMember(ctx, identity, input.CompanyID); err != nil {
		return nil, err
	}

	item := store.FeedbackType{
		ID:        util.NewID("type"),
		CompanyID: input.CompanyID,
		Name:      input.Name,
		Emoji:     input.Emoji,
		Color:     input.Color,
		CreatedAt: s.now(),
	}
	entry, err := audit.TypeCreated(identity.UserID, item)
	if err != nil {
		return nil, s.internal("build audit entry", err, zap.String("user_id", identity.UserID), zap.String("type_id", item.ID))
	}
	if err := s.store.InsertType(ctx, item, entry); err != nil {
		return nil, s.mutationFailed(err, audit.ActionCreateType, identity, zap.String("type_id", item.ID), zap.String("company_id", item.CompanyID))
	}
	s.logger.Info("type created",
		zap.String("user_id", identity.UserID),
		zap.String("type_id", item.ID),
		zap.String("company_id", item.CompanyID),
	)
	return map[string]any{
		"id":        item.ID,
		"companyId": item.CompanyID,
		"name":      item.Name,
		"emoji":     item.Emoji,
		"color":     item.Color,
	}, nil
}

// AuditLog lists a company's audit entries, newest first. Members only.
func (s *Service) AuditLog(ctx context.Context, identity auth.Identity, companyID string, filters AuditLogFilterInput) (map[string]any, error) {
	action := strings.TrimSpace(filters.Action)
	if action != "" && !audit.IsAction(action) {
		return nil, validationError("invalid audit action filter")
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	if err := s.ensureMember(ctx, identity, companyID); err != nil {
		return nil, err
	}

	entries, err := s.store.ListAuditLog(ctx, companyID, action, limit)
	if err != nil {
		return nil, s.internal("list audit log", err, zap.String("user_id", identity.UserID), zap.String("company_id", companyID))
	}
	items := make([]map[string]any, 0, len(entries))
	for _, row := range entries {
		items = append(items, map[string]any{
			"id":         row.ID,
			"action":     row.Action,
			"userId":     row.UserID,
			"companyId":  row.CompanyID,
			"resourceId": row.ResourceID,
			"oldValue":   rawOrNil(row.OldValue),
			"newValue":   rawOrNil(row.NewValue),
			"createdAt":  row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"entries": items}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) loadPost(ctx context.Context, identity auth.Identity, postID string) (store.Post, error) {
	if strings.TrimSpace(postID) == "" {
		return store.Post{}, errPostNotFound
	}
	post, err := s.store.GetPost(ctx, postID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Post{}, errPostNotFound
	}
	if err != nil {
		return store.Post{}, s.internal("load post", err, zap.String("user_id", identity.UserID), zap.String("post_id", postID))
	}
	return post, nil
}

func (s *Service) ensureMember(ctx context.Context, identity auth.Identity, companyID string) error {
	err := s.guard.EnsureCompanyMember(ctx, companyID, identity.UserID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, authz.ErrCompanyNotFound):
		return errCompanyNotFound
	case errors.Is(err, authz.ErrNotMember):
		s.logger.Info("membership denied", zap.String("user_id", identity.UserID), zap.String("company_id", companyID))
		return errForbidden
	default:
		return s.internal("check membership", err, zap.String("user_id", identity.UserID), zap.String("company_id", companyID))
	}
}

func (s *Service) mutationFailed(err error, action string, identity auth.Identity, fields ...zap.Field) error {
	if errors.Is(err, store.ErrConflict) {
		return errConflict
	}
	fields = append([]zap.Field{zap.String("action", action), zap.String("user_id", identity.UserID)}, fields...)
	return s.internal("mutation failed", err, fields...)
}

// internal logs err with its context and returns it unchanged; the transport
// turns anything that is not a DomainError into a generic 500.
func (s *Service) internal(msg string, err error, fields ...zap.Field) error {
	s.logger.Error(msg, append(fields, zap.Error(err))...)
	return err
}

func rawOrNil(value []byte) any {
	if len(value) == 0 {
		return nil
	}
	return json.RawMessage(value)
}
