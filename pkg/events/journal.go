package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	journalPrefix       = "events_"
	journalSegmentLimit = 1000
	journalMaxSegments  = 100
)

// Journal is an append-only event log on a write-ahead log.
type Journal struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// OpenJournal opens or creates the journal in dir.
func OpenJournal(dir string) (*Journal, error) {
	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           journalPrefix,
		SegmentThreshold: journalSegmentLimit,
		MaxSegments:      journalMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open event journal")
	}
	return &Journal{wal: wal}, nil
}

func journalKey(e Event) string {
	return string(e.Kind) + "/" + e.ID.String()
}

// Publish appends events in order.
func (j *Journal) Publish(_ context.Context, events []Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "marshal event")
		}
		if err := j.wal.Write(j.wal.CurrentIndex()+1, journalKey(e), payload); err != nil {
			return errors.Wrapf(err, "append event %s", e.ID)
		}
	}
	return nil
}

// Replay calls fn for every event written after index, in order.
func (j *Journal) Replay(after uint64, fn func(index uint64, e Event) error) error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	current := j.wal.CurrentIndex()
	for idx := after + 1; idx <= current; idx++ {
		key, payload, err := j.wal.Get(idx)
		if err != nil {
			continue
		}
		if !strings.Contains(key, "/") {
			continue
		}
		var e Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return errors.Wrapf(err, "decode event at %d", idx)
		}
		if err := fn(idx, e); err != nil {
			return err
		}
	}
	return nil
}

// CurrentIndex returns the index of the last appended event.
func (j *Journal) CurrentIndex() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.wal.CurrentIndex()
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}
