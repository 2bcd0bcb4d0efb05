package store

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

// Pending background tasks are persisted under task:pending:<ordered-key>
// so they survive restarts and replay in enqueue order.

var taskSeq uint64

// EnqueueTask persists an opaque task payload and returns its queue key.
func EnqueueTask(data []byte) (string, error) {
	if db == nil {
		return "", errNotOpen
	}
	key := fmt.Sprintf("task:pending:%020d-%06d", time.Now().UTC().UnixNano(), atomic.AddUint64(&taskSeq, 1))
	if err := set(key, data); err != nil {
		return "", err
	}
	return key, nil
}

// PendingTasks returns up to limit pending tasks in enqueue order as
// (key, payload) pairs.
func PendingTasks(limit int) ([]string, [][]byte, error) {
	if db == nil {
		return nil, nil, errNotOpen
	}
	prefix := []byte("task:pending:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()
	var keys []string
	var vals [][]byte
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		keys = append(keys, string(iter.Key()))
		vals = append(vals, append([]byte(nil), iter.Value()...))
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys, vals, iter.Error()
}

// UpdateTask rewrites a pending task payload in place (attempt counts).
func UpdateTask(key string, data []byte) error {
	return set(key, data)
}

// CompleteTask removes a finished task from the queue.
func CompleteTask(key string) error {
	return del(key)
}

// DeadLetterTask moves an exhausted task out of the pending queue but
// keeps the payload for inspection.
func DeadLetterTask(key string, data []byte) error {
	if db == nil {
		return errNotOpen
	}
	batch := db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte("task:dead:"+key[len("task:pending:"):]), data, nil); err != nil {
		return err
	}
	if err := batch.Delete([]byte(key), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}
