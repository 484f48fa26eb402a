// Package authz decides whether a caller may mutate resources owned by a company.
package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"feedbackhub/api/internal/store"
)

var (
	ErrCompanyNotFound = errors.New("company not found")
	ErrNotMember       = errors.New("not a company member")
)

// CompanyReader loads a company together with its member set.
type CompanyReader interface {
	GetCompany(ctx context.Context, companyID string) (store.Company, error)
}

// Guard checks company membership. The companyID it is given must already be
// corroborated by stored data (for example the owning post), or be the very
// company the caller is about to write into.
type Guard struct {
	companies CompanyReader
}

func NewGuard(companies CompanyReader) *Guard {
	return &Guard{companies: companies}
}

// EnsureCompanyMember returns ErrCompanyNotFound, ErrNotMember or nil.
func (g *Guard) EnsureCompanyMember(ctx context.Context, companyID, userID string) error {
	if companyID == "" {
		return ErrCompanyNotFound
	}
	company, err := g.companies.GetCompany(ctx, companyID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCompanyNotFound
	}
	if err != nil {
		return fmt.Errorf("load company %s: %w", companyID, err)
	}
	if len(company.Members) == 0 || userID == "" || !company.HasMember(userID) {
		return ErrNotMember
	}
	return nil
}
