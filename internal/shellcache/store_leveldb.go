package shellcache

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	p:<partition>            partition marker
//	e:<partition>\x00<key>   gob-encoded Entry
const (
	ldbPartPrefix  = "p:"
	ldbEntryPrefix = "e:"
)

// LevelDBStorage persists partitions in a single LevelDB database.
type LevelDBStorage struct {
	db *leveldb.DB

	mu    sync.Mutex
	parts map[string]*ldbPartition
}

func NewLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStorage{db: db, parts: map[string]*ldbPartition{}}, nil
}

func (s *LevelDBStorage) Open(name string) (Partition, error) {
	if err := validPartitionName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parts[name]; ok {
		return p, nil
	}
	if err := s.db.Put([]byte(ldbPartPrefix+name), nil, nil); err != nil {
		return nil, mapLevelDBErr(err)
	}
	p := &ldbPartition{db: s.db, name: name, prefix: []byte(ldbEntryPrefix + name + "\x00")}
	s.parts[name] = p
	return p, nil
}

func (s *LevelDBStorage) Names() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(ldbPartPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(ldbPartPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, mapLevelDBErr(err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *LevelDBStorage) Drop(name string) error {
	s.mu.Lock()
	delete(s.parts, name)
	s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete([]byte(ldbPartPrefix + name))

	it := s.db.NewIterator(util.BytesPrefix([]byte(ldbEntryPrefix+name+"\x00")), nil)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return mapLevelDBErr(err)
	}
	return mapLevelDBErr(s.db.Write(batch, nil))
}

func (s *LevelDBStorage) Close() error {
	return s.db.Close()
}

type ldbPartition struct {
	db     *leveldb.DB
	name   string
	prefix []byte
}

func (p *ldbPartition) Name() string { return p.name }

func (p *ldbPartition) key(k string) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	out = append(out, p.prefix...)
	return append(out, k...)
}

func (p *ldbPartition) Get(key string) (Entry, bool, error) {
	b, err := p.db.Get(p.key(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, mapLevelDBErr(err)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}
	return ent, true, nil
}

func (p *ldbPartition) Put(key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	return mapLevelDBErr(p.db.Put(p.key(key), b, nil))
}

func (p *ldbPartition) Delete(key string) error {
	return mapLevelDBErr(p.db.Delete(p.key(key), nil))
}

func (p *ldbPartition) Len() (int, error) {
	it := p.db.NewIterator(util.BytesPrefix(p.prefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, mapLevelDBErr(it.Error())
}

func (p *ldbPartition) Keys() ([]string, error) {
	it := p.db.NewIterator(util.BytesPrefix(p.prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), p.prefix)))
	}
	return out, mapLevelDBErr(it.Error())
}

func mapLevelDBErr(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrClosed
	}
	return err
}
