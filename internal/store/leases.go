package store

import (
	"fmt"
	"strings"
	"time"

	. "github.com/clawcontrol/clawcontrol/internal/logging"
)

// AcquireLease takes a named advisory lock for ttl. Expired leases are
// purged first; the unique primary key then arbitrates between racing
// owners. Returns false when another live owner holds the lease.
func (s *Store) AcquireLease(name, ownerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()

	if _, err := s.db.Exec(`DELETE FROM leases WHERE name = ? AND expires_at_ms <= ?`, name, now); err != nil {
		return false, fmt.Errorf("purge expired lease: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT INTO leases (name, owner_id, acquired_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?)
	`, name, ownerID, now, now+ttl.Milliseconds())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return false, nil
		}
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return true, nil
}

// ReleaseLease drops the lease if this owner still holds it. A release
// after expiry and takeover is a no-op.
func (s *Store) ReleaseLease(name, ownerID string) error {
	_, err := s.db.Exec(`DELETE FROM leases WHERE name = ? AND owner_id = ?`, name, ownerID)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// WithLease runs fn under the named lease, releasing it afterwards.
// Returns (false, nil) without running fn when the lease is taken.
func (s *Store) WithLease(name, ownerID string, ttl time.Duration, fn func() error) (bool, error) {
	ok, err := s.AcquireLease(name, ownerID, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if err := s.ReleaseLease(name, ownerID); err != nil {
			L_warn("store: lease release failed", "lease", name, "error", err)
		}
	}()
	return true, fn()
}
