// Package forensics implements a write-only diagnostic trail (§6, §11):
// a local bbolt-backed ring buffer of the last N batch-push outcomes and
// sequence-reconciliation events, kept strictly for post-mortem
// debugging. It is never read back into live state — sequence and chain
// state are always reseeded from chain on restart — so a corrupted or
// missing forensics database never affects correctness, only the
// operator's ability to inspect recent history.
package forensics

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/sedaprotocol/seda-evm-pusher/internal/eventbus"
	"github.com/sedaprotocol/seda-evm-pusher/pkg/models"
)

const (
	batchOutcomeBucket    = "batch_push_outcomes"
	sequenceEventBucket   = "sequence_events"
	defaultRingBufferSize = 500
)

// SequenceEvent records a single sequence-reconciliation observation
// (§4.4's ReconcileWithChain) for later inspection.
type SequenceEvent struct {
	RecordedAt   time.Time `json:"recorded_at"`
	ChainSeq     uint64    `json:"chain_seq"`
	LocalNext    uint64    `json:"local_next"`
	Drift        int64     `json:"drift"`
	MajorResync  bool      `json:"major_resync"`
}

// Recorder appends batch-push outcomes and sequence events to two bbolt
// buckets, trimming each to the most recent maxEntries records. It never
// serves reads back into the running system; Recent* exist only for
// operator tooling/tests.
type Recorder struct {
	db         *bbolt.DB
	maxEntries int
	logger     *zerolog.Logger
}

// NewRecorder opens (creating if absent) a bbolt database at dbPath with
// the two forensics buckets.
func NewRecorder(dbPath string, maxEntries int, logger *zerolog.Logger) (*Recorder, error) {
	if maxEntries <= 0 {
		maxEntries = defaultRingBufferSize
	}

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("forensics: failed to open db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(batchOutcomeBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(sequenceEventBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("forensics: failed to create buckets: %w", err)
	}

	return &Recorder{db: db, maxEntries: maxEntries, logger: logger}, nil
}

// Subscribe wires the recorder to batch-completed events so every push outcome is captured without the caller threading a
// record call through the push/chain-manager packages.
func (r *Recorder) Subscribe(bus *eventbus.Bus) {
	if bus == nil {
		return
	}

	completed := bus.Subscribe(models.TopicBatchCompleted)
	go func() {
		for ev := range completed {
			payload, ok := ev.Payload.(models.BatchCompletedPayload)
			if !ok {
				continue
			}
			if err := r.RecordBatchOutcome(payload.Result); err != nil && r.logger != nil {
				r.logger.Warn().Err(err).Msg("forensics: failed to record batch outcome")
			}
		}
	}()
}

// RecordBatchOutcome appends one MultiChainPushResult to the ring buffer.
func (r *Recorder) RecordBatchOutcome(result models.MultiChainPushResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("forensics: marshal batch outcome: %w", err)
	}
	return r.appendAndTrim(batchOutcomeBucket, data)
}

// RecordSequenceEvent appends one sequence-reconciliation observation to
// the ring buffer.
func (r *Recorder) RecordSequenceEvent(ev SequenceEvent) error {
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("forensics: marshal sequence event: %w", err)
	}
	return r.appendAndTrim(sequenceEventBucket, data)
}

func (r *Recorder) appendAndTrim(bucket string, data []byte) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("forensics: bucket %q missing", bucket)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		if err := b.Put(sequenceKey(seq), data); err != nil {
			return err
		}

		return trimToRingSize(b, r.maxEntries)
	})
}

// trimToRingSize deletes the oldest entries until the bucket holds at
// most maxEntries keys. Keys are monotonically increasing big-endian
// sequence numbers, so the cursor's natural (byte) order is chronological.
func trimToRingSize(b *bbolt.Bucket, maxEntries int) error {
	c := b.Cursor()
	count := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}
	excess := count - maxEntries
	if excess <= 0 {
		return nil
	}

	k, _ := c.First()
	for i := 0; i < excess && k != nil; i++ {
		if err := b.Delete(k); err != nil {
			return err
		}
		k, _ = c.Next()
	}
	return nil
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// RecentBatchOutcomes returns up to limit of the most recently recorded
// batch outcomes, newest last. For operator tooling only; the running
// system never consults this.
func (r *Recorder) RecentBatchOutcomes(limit int) ([]models.MultiChainPushResult, error) {
	var out []models.MultiChainPushResult
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(batchOutcomeBucket))
		if b == nil {
			return nil
		}
		return collect(b, limit, func(data []byte) error {
			var result models.MultiChainPushResult
			if err := json.Unmarshal(data, &result); err != nil {
				return err
			}
			out = append(out, result)
			return nil
		})
	})
	return out, err
}

// RecentSequenceEvents returns up to limit of the most recently recorded
// sequence-reconciliation events, newest last.
func (r *Recorder) RecentSequenceEvents(limit int) ([]SequenceEvent, error) {
	var out []SequenceEvent
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(sequenceEventBucket))
		if b == nil {
			return nil
		}
		return collect(b, limit, func(data []byte) error {
			var ev SequenceEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return err
			}
			out = append(out, ev)
			return nil
		})
	})
	return out, err
}

func collect(b *bbolt.Bucket, limit int, decode func([]byte) error) error {
	count := b.Stats().KeyN
	skip := count - limit
	i := 0
	return b.ForEach(func(k, v []byte) error {
		defer func() { i++ }()
		if i < skip {
			return nil
		}
		return decode(v)
	})
}

// Close closes the underlying bbolt database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
