package shellcache

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage keeps every partition in one SQLite database.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

var memDBSeq atomic.Uint64

// NewSQLiteStorage opens (or creates) the database at filename. An empty
// filename opens a private in-memory database; connections of one storage
// share it, separate storages never do.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	inMemory := filename == ""
	if inMemory {
		filename = fmt.Sprintf("file:shellcache-mem-%d?mode=memory&cache=shared", memDBSeq.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if inMemory {
		// the database lives as long as one connection does
		db.SetMaxOpenConns(1)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			url TEXT,
			status INTEGER,
			header BLOB,
			body BLOB,
			stored_at INTEGER,
			PRIMARY KEY (partition, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &SQLiteStorage{db: db, writeMutex: &sync.Mutex{}}, nil
}

func (s *SQLiteStorage) Open(name string) (Partition, error) {
	if err := validPartitionName(name); err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("INSERT OR IGNORE INTO partitions (name) VALUES (?)", name); err != nil {
		return nil, err
	}
	return &sqlitePartition{s: s, name: name}, nil
}

func (s *SQLiteStorage) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM partitions ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) Drop(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE partition = ?", name); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec("DELETE FROM partitions WHERE name = ?", name); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqlitePartition struct {
	s    *SQLiteStorage
	name string
}

func (p *sqlitePartition) Name() string { return p.name }

func (p *sqlitePartition) Get(key string) (Entry, bool, error) {
	var (
		ent    Entry
		header []byte
	)
	err := p.s.db.QueryRow(
		"SELECT url, status, header, body, stored_at FROM entries WHERE partition = ? AND key = ?",
		p.name, key,
	).Scan(&ent.URL, &ent.Status, &header, &ent.Body, &ent.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	ent.Header = http.Header{}
	if len(header) > 0 {
		if err := decodeGob(header, &ent.Header); err != nil {
			return Entry{}, false, err
		}
	}
	return ent, true, nil
}

func (p *sqlitePartition) Put(key string, ent Entry) error {
	header, err := encodeGob(ent.Header)
	if err != nil {
		return err
	}
	p.s.writeMutex.Lock()
	defer p.s.writeMutex.Unlock()
	_, err = p.s.db.Exec(`INSERT OR REPLACE INTO entries
		(partition, key, url, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.name, key, ent.URL, ent.Status, header, ent.Body, ent.StoredAt)
	return err
}

func (p *sqlitePartition) Delete(key string) error {
	p.s.writeMutex.Lock()
	defer p.s.writeMutex.Unlock()
	_, err := p.s.db.Exec("DELETE FROM entries WHERE partition = ? AND key = ?", p.name, key)
	return err
}

func (p *sqlitePartition) Len() (int, error) {
	var n int
	err := p.s.db.QueryRow("SELECT COUNT(*) FROM entries WHERE partition = ?", p.name).Scan(&n)
	return n, err
}

func (p *sqlitePartition) Keys() ([]string, error) {
	rows, err := p.s.db.Query("SELECT key FROM entries WHERE partition = ? ORDER BY key", p.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}
