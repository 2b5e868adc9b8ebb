package offline0

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type storedEntry struct {
	Seq   uint64
	Entry CacheEntry
}

// partitionStore keeps named partitions of CacheEntry values in leveldb.
// Each partition has an insertion-order index so the oldest entry can be
// found without scanning entries.
type partitionStore struct {
	db *leveldb.DB

	// serialises read-modify-write of the order index and sequence
	mu  sync.Mutex
	seq uint64
}

func newPartitionStore(db *leveldb.DB) (*partitionStore, error) {
	p := &partitionStore{db: db}
	b, err := db.Get([]byte(keySeq), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, err
	case len(b) == 8:
		p.seq = binary.BigEndian.Uint64(b)
	default:
		return nil, fmt.Errorf("corrupt sequence value")
	}
	return p, nil
}

func entryKey(name, key string) []byte { return []byte(prefixEntry + name + "\x00" + key) }

func entryPrefix(name string) []byte { return []byte(prefixEntry + name + "\x00") }

func orderPrefix(name string) []byte { return []byte(prefixOrder + name + "\x00") }

func orderKey(name string, seq uint64) []byte {
	k := orderPrefix(name)
	return binary.BigEndian.AppendUint64(k, seq)
}

func seqValue(seq uint64) []byte { return binary.BigEndian.AppendUint64(nil, seq) }

// Names lists every partition present in the store.
func (p *partitionStore) Names() ([]string, error) {
	it := p.db.NewIterator(util.BytesPrefix([]byte(prefixPartition)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(prefixPartition))))
	}
	return out, it.Error()
}

func (p *partitionStore) Has(name string) (bool, error) {
	return p.db.Has([]byte(prefixPartition+name), nil)
}

func (p *partitionStore) Match(name, key string) (CacheEntry, bool) {
	b, err := p.db.Get(entryKey(name, key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var se storedEntry
	if err := decodeGob(b, &se); err != nil {
		return CacheEntry{}, false
	}
	return se.Entry, true
}

// Put stores ent under key, replacing any previous entry. A replaced entry
// moves to the newest position.
func (p *partitionStore) Put(name, key string, ent CacheEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := new(leveldb.Batch)
	if err := p.putLocked(batch, name, key, ent); err != nil {
		return err
	}
	return p.db.Write(batch, nil)
}

// PutAll writes every entry of every partition in one batch, so either all
// of them become visible or none do.
func (p *partitionStore) PutAll(entries map[string]map[string]CacheEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := new(leveldb.Batch)
	for name, ents := range entries {
		batch.Put([]byte(prefixPartition+name), nil)
		for key, ent := range ents {
			if err := p.putLocked(batch, name, key, ent); err != nil {
				return err
			}
		}
	}
	return p.db.Write(batch, nil)
}

func (p *partitionStore) putLocked(batch *leveldb.Batch, name, key string, ent CacheEntry) error {
	if b, err := p.db.Get(entryKey(name, key), nil); err == nil {
		var old storedEntry
		if decodeGob(b, &old) == nil {
			batch.Delete(orderKey(name, old.Seq))
		}
	}
	p.seq++
	b, err := encodeGob(storedEntry{Seq: p.seq, Entry: ent})
	if err != nil {
		return err
	}
	batch.Put([]byte(prefixPartition+name), nil)
	batch.Put(entryKey(name, key), b)
	batch.Put(orderKey(name, p.seq), []byte(key))
	batch.Put([]byte(keySeq), seqValue(p.seq))
	return nil
}

func (p *partitionStore) Delete(name, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.db.Get(entryKey(name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	var se storedEntry
	if decodeGob(b, &se) == nil {
		batch.Delete(orderKey(name, se.Seq))
	}
	batch.Delete(entryKey(name, key))
	return true, p.db.Write(batch, nil)
}

// Keys returns the partition's keys, oldest first.
func (p *partitionStore) Keys(name string) ([]string, error) {
	it := p.db.NewIterator(util.BytesPrefix(orderPrefix(name)), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(it.Value()))
	}
	return out, it.Error()
}

func (p *partitionStore) Len(name string) (int, error) {
	it := p.db.NewIterator(util.BytesPrefix(orderPrefix(name)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (p *partitionStore) oldest(name string) (string, bool, error) {
	it := p.db.NewIterator(util.BytesPrefix(orderPrefix(name)), nil)
	defer it.Release()
	if !it.Next() {
		return "", false, it.Error()
	}
	return string(it.Value()), true, nil
}

// Drop removes a partition and everything in it.
func (p *partitionStore) Drop(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := new(leveldb.Batch)
	for _, prefix := range [][]byte{entryPrefix(name), orderPrefix(name)} {
		it := p.db.NewIterator(util.BytesPrefix(prefix), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	batch.Delete([]byte(prefixPartition + name))
	return p.db.Write(batch, nil)
}
