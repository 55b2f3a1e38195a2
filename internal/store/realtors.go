package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/harborgate/deskhand/internal/models"
)

// ResolveRealtor matches a free-form assignee hint against the roster.
// Resolution order: exact email, phone digit suffix, exact name
// (case-insensitive), then partial name. A miss returns (nil, nil) so
// callers can treat the assignment as simply unresolved.
func (s *Store) ResolveRealtor(ctx context.Context, hint string) (*models.Realtor, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return nil, nil
	}

	// Name order keeps ambiguous partial matches deterministic.
	var roster []models.Realtor
	if err := s.db.WithContext(ctx).Order("name").Find(&roster).Error; err != nil {
		return nil, fmt.Errorf("store: load roster: %w", err)
	}

	lower := strings.ToLower(hint)

	if strings.Contains(hint, "@") {
		for i := range roster {
			if strings.EqualFold(roster[i].Email, hint) {
				return &roster[i], nil
			}
		}
		return nil, nil
	}

	if digits := digitsOf(hint); len(digits) >= 7 {
		for i := range roster {
			have := digitsOf(roster[i].Phone)
			if have != "" && (strings.HasSuffix(have, digits) || strings.HasSuffix(digits, have)) {
				return &roster[i], nil
			}
		}
	}

	for i := range roster {
		if strings.EqualFold(roster[i].Name, hint) {
			return &roster[i], nil
		}
	}

	for i := range roster {
		if strings.Contains(strings.ToLower(roster[i].Name), lower) {
			return &roster[i], nil
		}
	}

	return nil, nil
}

// RealtorByChatUser looks up a roster entry by platform user id.
func (s *Store) RealtorByChatUser(ctx context.Context, chatUserID string) (*models.Realtor, error) {
	if chatUserID == "" {
		return nil, nil
	}
	var roster []models.Realtor
	if err := s.db.WithContext(ctx).Where("chat_user_id = ?", chatUserID).Limit(1).Find(&roster).Error; err != nil {
		return nil, fmt.Errorf("store: lookup chat user %s: %w", chatUserID, err)
	}
	if len(roster) == 0 {
		return nil, nil
	}
	return &roster[0], nil
}

// digitsOf strips everything but digits from a phone-ish string.
func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
