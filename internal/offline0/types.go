package offline0

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	ErrDuplicateID     = errors.New("duplicate submission id")
	ErrNotFound        = errors.New("not found")
	ErrNoActiveVersion = errors.New("no active version")
)

// CacheEntry is a fully buffered response as stored in a partition.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

func (e CacheEntry) OK() bool { return e.Status >= 200 && e.Status < 300 }

func (e CacheEntry) clone() CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	out.Body = append([]byte(nil), e.Body...)
	return out
}

// Partition is the kind of a cache partition; the stored name also carries
// the cache prefix and version tag.
type Partition string

const (
	PartitionStatic  Partition = "static"
	PartitionImage   Partition = "image"
	PartitionDynamic Partition = "dynamic"
)

var allPartitions = []Partition{PartitionStatic, PartitionImage, PartitionDynamic}

// QueuedSubmission is a form POST that could not reach the network and waits
// for replay. Records are never modified after Add.
type QueuedSubmission struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Data      FormData          `json:"data"`
	Headers   map[string]string `json:"headers"`
	Timestamp string            `json:"timestamp"`
}

// Message types exchanged with page clients.
const (
	MsgSkipWaiting    = "skipWaiting"
	MsgGetQueuedForms = "getQueuedForms"
	MsgProcessQueue   = "processQueue"

	MsgFormQueued  = "FORM_QUEUED"
	MsgFormSynced  = "FORM_SYNCED"
	MsgFormExpired = "FORM_EXPIRED"
	MsgQueuedForms = "QUEUED_FORMS"
	MsgActivated   = "ACTIVATED"
)

type Message struct {
	Type    string             `json:"type"`
	Form    *QueuedSubmission  `json:"form,omitempty"`
	Forms   []QueuedSubmission `json:"forms,omitempty"`
	Version string             `json:"version,omitempty"`
}

// MarshalJSON always emits "forms" for QUEUED_FORMS so pages get [] rather
// than a missing field.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	if m.Type != MsgQueuedForms {
		return json.Marshal(plain(m))
	}
	forms := m.Forms
	if forms == nil {
		forms = []QueuedSubmission{}
	}
	return json.Marshal(struct {
		Type  string             `json:"type"`
		Forms []QueuedSubmission `json:"forms"`
	}{m.Type, forms})
}
