package usecase

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/zakuro-ai/mesh/internal/domain"
)

// CreditsService exposes the account-facing ledger operations.
type CreditsService struct {
	Ledger domain.Ledger
}

// NewCreditsService wires the credits service.
func NewCreditsService(ledger domain.Ledger) CreditsService {
	return CreditsService{Ledger: ledger}
}

// Account returns the user record, creating it on first contact.
func (s CreditsService) Account(ctx domain.Context, userID string) (domain.User, error) {
	if userID == "" {
		return domain.User{}, fmt.Errorf("op=credits.Account: empty user id: %w", domain.ErrInvalidArgument)
	}
	u, err := s.Ledger.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("op=credits.Account user=%s: %w", userID, err)
	}
	return u, nil
}

// Add credits amount to the account and returns the appended entry. Amount
// must be strictly positive.
func (s CreditsService) Add(ctx domain.Context, userID string, amount decimal.Decimal, description string) (domain.LedgerEntry, error) {
	if userID == "" {
		return domain.LedgerEntry{}, fmt.Errorf("op=credits.Add: empty user id: %w", domain.ErrInvalidArgument)
	}
	if !amount.IsPositive() {
		return domain.LedgerEntry{}, fmt.Errorf("op=credits.Add amount=%s: %w", amount, domain.ErrInvalidArgument)
	}
	if description == "" {
		description = "top-up"
	}
	entry, err := s.Ledger.Add(ctx, userID, amount, description)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("op=credits.Add user=%s: %w", userID, err)
	}
	return entry, nil
}

// History returns the newest-first ledger entries for the account, capped at
// limit (default 50, max 500).
func (s CreditsService) History(ctx domain.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if userID == "" {
		return nil, fmt.Errorf("op=credits.History: empty user id: %w", domain.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	entries, err := s.Ledger.History(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=credits.History user=%s: %w", userID, err)
	}
	return entries, nil
}
