// Package store implements the persistent trace store: a nutsdb-backed
// key-value store dual-indexed by identity (span ID) and by time, with an
// additional trace-grouping index for HTTP traces. The key encoding and the
// "collect forward, reverse in memory" approach to recency ordering are
// grounded on the original implementation's fjall-backed store
// (fjall_store.rs / fjall_mysql.rs), adapted here to nutsdb's own
// forward-only RangeScan.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nutsdb/nutsdb"

	"github.com/epli2/phantom/trace"
)

// ErrNotFound is returned by GetHTTP/GetMySQL when no record exists for the
// given span ID.
var ErrNotFound = fmt.Errorf("store: not found")

const (
	bucketHTTPTraces  = "http_traces"
	bucketHTTPByTime  = "http_by_time"
	bucketHTTPByTrace = "http_by_trace"

	bucketMySQLTraces = "mysql_traces"
	bucketMySQLByTime = "mysql_by_time"

	// maxScan bounds a single PrefixScan call (the time-index RangeScan in
	// reverseTimeSpanKeys takes no limit and reads the whole range); the store is meant
	// for a single capture session's worth of traces, not unbounded archival
	// retention, so a generous fixed ceiling is simpler than exposing
	// pagination through nutsdb's own scan cursor.
	maxScan = 1 << 20
)

// Store is the nutsdb-backed persistent trace store.
type Store struct {
	db *nutsdb.DB

	httpCount  uint64
	mysqlCount uint64
}

// Open opens (creating if absent) a nutsdb store rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := nutsdb.Open(nutsdb.DefaultOptions, nutsdb.WithDir(dir))
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertHTTP atomically writes the primary record and both secondary
// indexes for an HTTP trace, across all three partitions in one transaction.
// A zero span or trace ID is filled in before writing.
func (s *Store) InsertHTTP(tr trace.HTTPTrace) error {
	if tr.SpanID.IsZero() {
		tr.SpanID = trace.NewSpanID()
	}
	if tr.TraceID.IsZero() {
		tr.TraceID = trace.NewTraceID()
	}
	val, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("store: marshal http trace: %w", err)
	}
	spanKey := spanKeyBytes(tr.SpanID)
	tk := timeKey(tr.Timestamp, tr.SpanID)
	tik := traceKey(tr.TraceID, tr.SpanID)

	err = s.db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.Put(bucketHTTPTraces, spanKey, val, 0); err != nil {
			return err
		}
		if err := tx.Put(bucketHTTPByTime, tk, spanKey, 0); err != nil {
			return err
		}
		return tx.Put(bucketHTTPByTrace, tik, spanKey, 0)
	})
	if err != nil {
		return fmt.Errorf("store: insert http trace: %w", err)
	}
	atomic.AddUint64(&s.httpCount, 1)
	return nil
}

// GetHTTP looks up one HTTP trace by span ID.
func (s *Store) GetHTTP(id trace.SpanID) (trace.HTTPTrace, error) {
	var tr trace.HTTPTrace
	found := false
	err := s.db.View(func(tx *nutsdb.Tx) error {
		e, err := tx.Get(bucketHTTPTraces, spanKeyBytes(id))
		if err != nil {
			return nil
		}
		found = true
		return json.Unmarshal(e.Value, &tr)
	})
	if err != nil {
		return trace.HTTPTrace{}, fmt.Errorf("store: get http trace: %w", err)
	}
	if !found {
		return trace.HTTPTrace{}, ErrNotFound
	}
	return tr, nil
}

// ListRecentHTTP returns up to limit HTTP traces in reverse time order,
// skipping the first offset. limit<=0 means unlimited.
func (s *Store) ListRecentHTTP(limit, offset int) ([]trace.HTTPTrace, error) {
	keys, err := s.reverseTimeSpanKeys(bucketHTTPByTime)
	if err != nil {
		return nil, err
	}
	keys = paginate(keys, offset, limit)
	return s.loadHTTP(keys)
}

// ListByTraceID returns every HTTP trace sharing traceID, via a prefix scan
// over the trace-grouping index.
func (s *Store) ListByTraceID(id trace.TraceID) ([]trace.HTTPTrace, error) {
	var keys [][]byte
	err := s.db.View(func(tx *nutsdb.Tx) error {
		entries, err := tx.PrefixScan(bucketHTTPByTrace, id[:], 0, maxScan)
		if err != nil {
			return nil
		}
		for _, e := range entries {
			keys = append(keys, append([]byte(nil), e.Value...))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list by trace id: %w", err)
	}
	return s.loadHTTP(keys)
}

// SearchHTTPByURL scans the time index in reverse applying a substring
// predicate against each candidate's URL.
func (s *Store) SearchHTTPByURL(substr string, limit, offset int) ([]trace.HTTPTrace, error) {
	keys, err := s.reverseTimeSpanKeys(bucketHTTPByTime)
	if err != nil {
		return nil, err
	}
	var out []trace.HTTPTrace
	skipped := 0
	err = s.db.View(func(tx *nutsdb.Tx) error {
		for _, k := range keys {
			if limit > 0 && len(out) >= limit {
				break
			}
			e, err := tx.Get(bucketHTTPTraces, k)
			if err != nil {
				continue
			}
			var tr trace.HTTPTrace
			if err := json.Unmarshal(e.Value, &tr); err != nil {
				continue
			}
			if !strings.Contains(tr.URL, substr) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, tr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: search http by url: %w", err)
	}
	return out, nil
}

// CountHTTP returns an approximate count of inserted HTTP traces: a
// process-lifetime counter rather than a full bucket scan.
func (s *Store) CountHTTP() uint64 {
	return atomic.LoadUint64(&s.httpCount)
}

// InsertMySQL atomically writes the primary record and the time index for a
// MySQL trace (two partitions; MySQL traces are not grouped by trace ID).
func (s *Store) InsertMySQL(tr trace.MySQLTrace) error {
	if tr.SpanID.IsZero() {
		tr.SpanID = trace.NewSpanID()
	}
	if tr.TraceID.IsZero() {
		tr.TraceID = trace.NewTraceID()
	}
	val, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("store: marshal mysql trace: %w", err)
	}
	spanKey := spanKeyBytes(tr.SpanID)
	tk := timeKey(tr.Timestamp, tr.SpanID)

	err = s.db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.Put(bucketMySQLTraces, spanKey, val, 0); err != nil {
			return err
		}
		return tx.Put(bucketMySQLByTime, tk, spanKey, 0)
	})
	if err != nil {
		return fmt.Errorf("store: insert mysql trace: %w", err)
	}
	atomic.AddUint64(&s.mysqlCount, 1)
	return nil
}

// GetMySQL looks up one MySQL trace by span ID.
func (s *Store) GetMySQL(id trace.SpanID) (trace.MySQLTrace, error) {
	var tr trace.MySQLTrace
	found := false
	err := s.db.View(func(tx *nutsdb.Tx) error {
		e, err := tx.Get(bucketMySQLTraces, spanKeyBytes(id))
		if err != nil {
			return nil
		}
		found = true
		return json.Unmarshal(e.Value, &tr)
	})
	if err != nil {
		return trace.MySQLTrace{}, fmt.Errorf("store: get mysql trace: %w", err)
	}
	if !found {
		return trace.MySQLTrace{}, ErrNotFound
	}
	return tr, nil
}

// ListRecentMySQL mirrors ListRecentHTTP for MySQL traces.
func (s *Store) ListRecentMySQL(limit, offset int) ([]trace.MySQLTrace, error) {
	keys, err := s.reverseTimeSpanKeys(bucketMySQLByTime)
	if err != nil {
		return nil, err
	}
	keys = paginate(keys, offset, limit)
	return s.loadMySQL(keys)
}

// SearchMySQLByQuery mirrors SearchHTTPByURL, matching against query text.
func (s *Store) SearchMySQLByQuery(substr string, limit, offset int) ([]trace.MySQLTrace, error) {
	keys, err := s.reverseTimeSpanKeys(bucketMySQLByTime)
	if err != nil {
		return nil, err
	}
	var out []trace.MySQLTrace
	skipped := 0
	err = s.db.View(func(tx *nutsdb.Tx) error {
		for _, k := range keys {
			if limit > 0 && len(out) >= limit {
				break
			}
			e, err := tx.Get(bucketMySQLTraces, k)
			if err != nil {
				continue
			}
			var tr trace.MySQLTrace
			if err := json.Unmarshal(e.Value, &tr); err != nil {
				continue
			}
			if !strings.Contains(tr.Query, substr) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, tr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: search mysql by query: %w", err)
	}
	return out, nil
}

// CountMySQL is the MySQL equivalent of CountHTTP.
func (s *Store) CountMySQL() uint64 {
	return atomic.LoadUint64(&s.mysqlCount)
}

func (s *Store) loadHTTP(keys [][]byte) ([]trace.HTTPTrace, error) {
	out := make([]trace.HTTPTrace, 0, len(keys))
	err := s.db.View(func(tx *nutsdb.Tx) error {
		for _, k := range keys {
			e, err := tx.Get(bucketHTTPTraces, k)
			if err != nil {
				continue
			}
			var tr trace.HTTPTrace
			if err := json.Unmarshal(e.Value, &tr); err != nil {
				continue
			}
			out = append(out, tr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: load http traces: %w", err)
	}
	return out, nil
}

func (s *Store) loadMySQL(keys [][]byte) ([]trace.MySQLTrace, error) {
	out := make([]trace.MySQLTrace, 0, len(keys))
	err := s.db.View(func(tx *nutsdb.Tx) error {
		for _, k := range keys {
			e, err := tx.Get(bucketMySQLTraces, k)
			if err != nil {
				continue
			}
			var tr trace.MySQLTrace
			if err := json.Unmarshal(e.Value, &tr); err != nil {
				continue
			}
			out = append(out, tr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: load mysql traces: %w", err)
	}
	return out, nil
}

// reverseTimeSpanKeys forward-scans a time-index bucket in full and reverses
// in memory, since nutsdb's RangeScan is forward-only — the same way the
// original implementation's store achieves reverse iteration over its own
// forward-only scan.
func (s *Store) reverseTimeSpanKeys(bucket string) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(tx *nutsdb.Tx) error {
		entries, err := tx.RangeScan(bucket, minTimeKey, maxTimeKey)
		if err != nil {
			return nil
		}
		for _, e := range entries {
			keys = append(keys, append([]byte(nil), e.Value...))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", bucket, err)
	}
	reverseInPlace(keys)
	return keys, nil
}

var (
	minTimeKey = make([]byte, 16)
	maxTimeKey = func() []byte {
		b := make([]byte, 16)
		for i := range b {
			b[i] = 0xFF
		}
		return b
	}()
)

func spanKeyBytes(id trace.SpanID) []byte {
	return append([]byte(nil), id[:]...)
}

// timeKey is (timestamp_be:8, span_id:8), matching the original
// implementation's encode_timestamp + time_key layout.
func timeKey(t time.Time, spanID trace.SpanID) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(t.UnixNano()))
	copy(k[8:], spanID[:])
	return k
}

// traceKey is (trace_id:16, span_id:8), matching the original
// implementation's trace_id_key layout.
func traceKey(id trace.TraceID, spanID trace.SpanID) []byte {
	k := make([]byte, 24)
	copy(k[:16], id[:])
	copy(k[16:], spanID[:])
	return k
}

func reverseInPlace(s [][]byte) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func paginate(keys [][]byte, offset, limit int) [][]byte {
	if offset > 0 {
		if offset >= len(keys) {
			return nil
		}
		keys = keys[offset:]
	}
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}
	return keys
}
