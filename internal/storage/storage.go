package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "github.com/lib/pq"

	"lanchat/internal/models"
)

// History records finished file transfers.
type History interface {
	AddHistory(item *models.TransferHistory) error
	GetHistory() ([]*models.TransferHistory, error)
}

// MemoryStore keeps history for the lifetime of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*models.TransferHistory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*models.TransferHistory)}
}

// AddHistory stores item unless an entry with the same fingerprint and
// direction already exists.
func (s *MemoryStore) AddHistory(item *models.TransferHistory) error {
	key := item.Fingerprint + "/" + item.Direction
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		return nil
	}
	cp := *item
	s.items[key] = &cp
	return nil
}

// GetHistory returns all entries, newest first.
func (s *MemoryStore) GetHistory() ([]*models.TransferHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := make([]*models.TransferHistory, 0, len(s.items))
	for _, item := range s.items {
		cp := *item
		history = append(history, &cp)
	}
	sort.Slice(history, func(i, j int) bool {
		return history[i].Timestamp.After(history[j].Timestamp)
	})
	return history, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transfer_history (
			fingerprint TEXT NOT NULL,
			direction   TEXT NOT NULL,
			transfer_id INTEGER NOT NULL,
			file_name   TEXT NOT NULL,
			file_size   BIGINT NOT NULL,
			peer_code   INTEGER NOT NULL,
			peer_name   TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (fingerprint, direction)
		);
	`)
	return err
}

// AddHistory persists a finished transfer record.
func (s *PostgresStore) AddHistory(item *models.TransferHistory) error {
	_, err := s.db.Exec(
		`INSERT INTO transfer_history (fingerprint, direction, transfer_id, file_name, file_size, peer_code, peer_name, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (fingerprint, direction) DO NOTHING`,
		item.Fingerprint, item.Direction, item.ID, item.FileName, item.FileSize,
		item.PeerCode, item.PeerName, item.Status, item.Timestamp,
	)
	return err
}

// GetHistory returns all transfer history, newest first.
func (s *PostgresStore) GetHistory() ([]*models.TransferHistory, error) {
	rows, err := s.db.Query(
		`SELECT transfer_id, fingerprint, file_name, file_size, direction, peer_code, peer_name, status, created_at
		 FROM transfer_history ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*models.TransferHistory
	for rows.Next() {
		item := &models.TransferHistory{}
		if err := rows.Scan(&item.ID, &item.Fingerprint, &item.FileName, &item.FileSize,
			&item.Direction, &item.PeerCode, &item.PeerName, &item.Status, &item.Timestamp); err != nil {
			continue
		}
		history = append(history, item)
	}
	return history, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
