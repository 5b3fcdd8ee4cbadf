package server

import (
	"encoding/binary"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ErrHostNotFound = errors.New("host not found in usage ledger")

var u64 = binary.BigEndian.Uint64

func i64ToB(value int64) []byte {
	oct := make([]byte, 8)
	binary.BigEndian.PutUint64(oct, uint64(value))
	return oct
}

// UsageInfo is the accumulated usage of every session from one remote host
type UsageInfo struct {
	Host     string
	Sessions int64
	Streams  int64
	Rx       int64
	Tx       int64
	LastSeen int64
}

// SessionUsage is what a single session used over its life
type SessionUsage struct {
	Host    string
	Streams int64
	Rx      int64
	Tx      int64
}

// UsageLedger persists per-host usage totals in a bolt database. Each host has its own bucket.
type UsageLedger struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenUsageLedger(dbPath string, now func() time.Time) (*UsageLedger, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &UsageLedger{db: db, now: now}, nil
}

func readUsage(host []byte, bucket *bolt.Bucket) UsageInfo {
	get := func(key string) int64 {
		v := bucket.Get([]byte(key))
		if len(v) != 8 {
			return 0
		}
		return int64(u64(v))
	}
	return UsageInfo{
		Host:     string(host),
		Sessions: get("Sessions"),
		Streams:  get("Streams"),
		Rx:       get("Rx"),
		Tx:       get("Tx"),
		LastSeen: get("LastSeen"),
	}
}

// Record adds the usage of a finished session to its host's totals
func (l *UsageLedger) Record(usage SessionUsage) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(usage.Host))
		if err != nil {
			return err
		}
		old := readUsage([]byte(usage.Host), bucket)
		puts := []struct {
			key   string
			value int64
		}{
			{"Sessions", old.Sessions + 1},
			{"Streams", old.Streams + usage.Streams},
			{"Rx", old.Rx + usage.Rx},
			{"Tx", old.Tx + usage.Tx},
			{"LastSeen", l.now().Unix()},
		}
		for _, p := range puts {
			if err := bucket.Put([]byte(p.key), i64ToB(p.value)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *UsageLedger) Get(host string) (info UsageInfo, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(host))
		if bucket == nil {
			return ErrHostNotFound
		}
		info = readUsage([]byte(host), bucket)
		return nil
	})
	return
}

// List returns the usage of every host, ordered by host
func (l *UsageLedger) List() (infos []UsageInfo, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(host []byte, bucket *bolt.Bucket) error {
			infos = append(infos, readUsage(host, bucket))
			return nil
		})
	})
	if infos == nil {
		infos = []UsageInfo{}
	}
	return
}

func (l *UsageLedger) Delete(host string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(host))
		if err == bolt.ErrBucketNotFound {
			return ErrHostNotFound
		}
		return err
	})
}

func (l *UsageLedger) Close() error {
	return l.db.Close()
}
