package importlock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// PostgresStore implements Store on pg_try_advisory_lock. Advisory locks are
// scoped to the database session, so each held key pins a dedicated
// *sql.Conn out of the pool until it is unlocked or reset.
type PostgresStore struct {
	db *sql.DB

	mu       sync.Mutex
	sessions map[int64]*sql.Conn
}

func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolving sql.DB handle: %w", err)
	}
	return &PostgresStore{db: sqlDB, sessions: make(map[int64]*sql.Conn)}, nil
}

func (s *PostgresStore) TryLock(ctx context.Context, key int64) (bool, error) {
	s.mu.Lock()
	if _, held := s.sessions[key]; held {
		s.mu.Unlock()
		// This process already holds the key on a live session.
		return false, nil
	}
	s.mu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquiring lock session: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}

	if !acquired {
		conn.Close()
		return false, nil
	}

	s.mu.Lock()
	s.sessions[key] = conn
	s.mu.Unlock()
	return true, nil
}

func (s *PostgresStore) Unlock(ctx context.Context, key int64) (bool, error) {
	s.mu.Lock()
	conn, held := s.sessions[key]
	s.mu.Unlock()
	if !held {
		return false, nil
	}

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released); err != nil {
		return false, fmt.Errorf("pg_advisory_unlock: %w", err)
	}

	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
	conn.Close()
	return released, nil
}

// Reset drops the session holding the key. Closing the connection releases
// every advisory lock that session held, which is the point: eventual lock
// release wins over strict correctness here.
func (s *PostgresStore) Reset(ctx context.Context, key int64) error {
	s.mu.Lock()
	conn, held := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if !held {
		return nil
	}
	return conn.Close()
}
