package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/enginekit/substrate/pkg/models"
)

// membershipTTL bounds how long a cached membership is trusted before the
// next lookup goes back to the store.
const membershipTTL = 30 * time.Second

type cachedMembership struct {
	role      models.MembershipRole
	member    bool
	fetchedAt time.Time
}

// MembershipService answers (user, tenant) → role questions for the
// membership gate. Reads are served from a TTL cache safe for concurrent
// use; mutations write through and invalidate.
type MembershipService struct {
	db    *sql.DB
	mu    sync.RWMutex
	cache map[string]cachedMembership
}

// NewMembershipService creates a MembershipService over the routed
// tabular backend's database handle.
func NewMembershipService(db *sql.DB) *MembershipService {
	return &MembershipService{db: db, cache: make(map[string]cachedMembership)}
}

func membershipKey(userID, tenantID string) string {
	return userID + "\x00" + tenantID
}

// Lookup returns the user's role within a tenant. The boolean is false when
// no membership exists.
func (s *MembershipService) Lookup(ctx context.Context, userID, tenantID string) (models.MembershipRole, bool, error) {
	key := membershipKey(userID, tenantID)

	s.mu.RLock()
	if c, ok := s.cache[key]; ok && time.Since(c.fetchedAt) < membershipTTL {
		s.mu.RUnlock()
		return c.role, c.member, nil
	}
	s.mu.RUnlock()

	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM memberships WHERE user_id = $1 AND tenant_id = $2`,
		userID, tenantID,
	).Scan(&role)

	entry := cachedMembership{fetchedAt: time.Now()}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Cache the negative result too: the gate runs on every request.
	case err != nil:
		return "", false, fmt.Errorf("membership lookup for %s in %s: %w", userID, tenantID, err)
	default:
		entry.role = models.MembershipRole(role)
		entry.member = true
	}

	s.mu.Lock()
	s.cache[key] = entry
	s.mu.Unlock()
	return entry.role, entry.member, nil
}

// Grant upserts a membership and invalidates the cache entry.
func (s *MembershipService) Grant(ctx context.Context, m models.Membership) error {
	if !m.Role.IsValid() {
		return fmt.Errorf("invalid membership role %q", m.Role)
	}
	if !ValidTenantID(m.TenantID) {
		return models.ErrTenantInvalid(m.TenantID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (user_id, tenant_id, role, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, tenant_id) DO UPDATE SET role = EXCLUDED.role`,
		m.UserID, m.TenantID, string(m.Role), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("grant membership: %w", err)
	}
	s.invalidate(m.UserID, m.TenantID)
	return nil
}

// Revoke removes a membership and invalidates the cache entry.
func (s *MembershipService) Revoke(ctx context.Context, userID, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memberships WHERE user_id = $1 AND tenant_id = $2`,
		userID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("revoke membership: %w", err)
	}
	s.invalidate(userID, tenantID)
	return nil
}

func (s *MembershipService) invalidate(userID, tenantID string) {
	s.mu.Lock()
	delete(s.cache, membershipKey(userID, tenantID))
	s.mu.Unlock()
}
