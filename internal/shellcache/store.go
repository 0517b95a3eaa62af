package shellcache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrClosed = errors.New("shellcache: storage closed")

// Storage is the registry of named partitions.
//
// Implementations must be safe for concurrent use and provide atomic
// per-entry Get/Put/Delete.
type Storage interface {
	// Open returns the named partition, creating it if needed.
	Open(name string) (Partition, error)
	// Names lists every existing partition.
	Names() ([]string, error)
	// Drop removes a partition and all its entries. Dropping a missing
	// partition is not an error.
	Drop(name string) error
	Close() error
}

// Partition is one isolated key/value store of response snapshots.
type Partition interface {
	Name() string
	Get(key string) (Entry, bool, error)
	// Put overwrites any existing entry for key.
	Put(key string, ent Entry) error
	Delete(key string) error
	Len() (int, error)
	Keys() ([]string, error)
}

// OpenStorage builds the backend named by driver.
func OpenStorage(driver, path string, memMax int64) (Storage, error) {
	switch strings.ToLower(driver) {
	case "", "memory":
		return NewMemoryStorage(memMax), nil
	case "leveldb":
		return NewLevelDBStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

func validPartitionName(name string) error {
	if name == "" || strings.ContainsAny(name, "\x00\n\r") {
		return fmt.Errorf("invalid partition name %q", name)
	}
	return nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
