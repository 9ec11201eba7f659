package cache

import (
	"bytes"
	"time"
)

// Entry is a cached payload plus the time it was written.
type Entry struct {
	Payload  []byte    `json:"payload"`
	StoredAt time.Time `json:"storedAt"`
	// Generation is the issue stamp of the write that produced the entry.
	Generation uint64 `json:"generation"`
}

// Backend persists entries by canonical key. Implementations must be safe for
// concurrent use; the Store serializes compound operations on top of them.
type Backend interface {
	Load(key string) (Entry, bool)
	Save(key string, entry Entry) error
	Delete(key string)
	DeletePrefix(prefix string)
	Reset()
	Len() int
	Close() error
}

func cloneEntry(in Entry) Entry {
	return Entry{
		Payload:    bytes.Clone(in.Payload),
		StoredAt:   in.StoredAt,
		Generation: in.Generation,
	}
}
