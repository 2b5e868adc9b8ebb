package offline0

import (
	"bytes"
	"encoding/gob"
	"errors"
	"log"
	"net/http"

	"github.com/syndtr/goleveldb/leveldb"
)

// Key prefixes inside the single leveldb handle.
const (
	prefixPartition = "p:" // p:<name> -> "" (partition registry)
	prefixEntry     = "e:" // e:<name>\x00<key> -> gob(storedEntry)
	prefixOrder     = "o:" // o:<name>\x00<seq> -> key
	prefixQueue     = "q:" // q:<id> -> json(QueuedSubmission)
	prefixDead      = "d:" // d:<id> -> json(QueuedSubmission)

	keySeq    = "s:seq"
	keyActive = "m:active"
)

func openDB(path string) (*leveldb.DB, error) {
	return leveldb.OpenFile(path, nil)
}

func readActiveVersion(db *leveldb.DB) (string, error) {
	b, err := db.Get([]byte(keyActive), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeActiveVersion(db *leveldb.DB, version string) error {
	return db.Put([]byte(keyActive), []byte(version), nil)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
