package store

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Daily quota counters. Keys are quota:<scope>:<identity>:<yyyymmdd> so
// counters roll over naturally at UTC midnight and old days can be
// range-deleted by the sweep.

var quotaMu sync.Mutex

func quotaKey(scope, identity string, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s", scope, identity, day.UTC().Format("20060102"))
}

// IncrDailyCount atomically increments today's counter for the given
// scope and identity and returns the new value.
func IncrDailyCount(scope, identity string, now time.Time) (int, error) {
	if db == nil {
		return 0, errNotOpen
	}
	quotaMu.Lock()
	defer quotaMu.Unlock()
	key := quotaKey(scope, identity, now)
	n := 0
	if v, err := get(key); err == nil {
		n, _ = strconv.Atoi(string(v))
	} else if err != ErrNotFound {
		return 0, err
	}
	n++
	if err := set(key, []byte(strconv.Itoa(n))); err != nil {
		return 0, err
	}
	return n, nil
}

// GetDailyCount returns today's counter without modifying it.
func GetDailyCount(scope, identity string, now time.Time) (int, error) {
	if db == nil {
		return 0, errNotOpen
	}
	v, err := get(quotaKey(scope, identity, now))
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(string(v))
	return n, nil
}

// PruneQuotaCounters removes counters for days strictly before keepFrom.
func PruneQuotaCounters(keepFrom time.Time) error {
	if db == nil {
		return errNotOpen
	}
	day := keepFrom.UTC().Format("20060102")
	keys, err := listKeysWithPrefix("quota:")
	if err != nil {
		return err
	}
	for _, k := range keys {
		// Trailing key segment is the day stamp.
		if len(k) < len(day) {
			continue
		}
		if k[len(k)-len(day):] < day {
			if err := del(k); err != nil {
				return err
			}
		}
	}
	return nil
}
