// Package state persists the replication cursor and the deferred-change
// buffer in a local Pebble store. The primary's slot position advances on
// stream consumption, so without this store a crash between acknowledgment
// and buffer drain would lose buffered row changes permanently.
package state

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/translicate/translicate/wal"
)

var (
	keyLastAppliedDDL = []byte("cursor/ddl")
	keyLastAcked      = []byte("cursor/ack")
	bufferPrefix      = []byte("buffer/")
)

// Store is a Pebble-backed persistent store for the replication cursor and
// buffered changes. Buffered entries keep arrival order via a monotonic
// sequence in the key.
type Store struct {
	db      *pebble.DB
	nextSeq uint64
}

// Open opens (or creates) the store in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open state store %s: %w", dir, err)
	}

	s := &Store{db: db}
	if err := s.loadNextSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadNextSeq() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: bufferPrefix,
		UpperBound: bufferUpperBound(),
	})
	if err != nil {
		return fmt.Errorf("iterate buffer keys: %w", err)
	}
	defer iter.Close()

	if iter.Last() && iter.Valid() {
		key := iter.Key()
		if len(key) == len(bufferPrefix)+8 {
			s.nextSeq = binary.BigEndian.Uint64(key[len(bufferPrefix):]) + 1
		}
	}
	return iter.Error()
}

func (s *Store) loadLSN(key []byte) (wal.LSN, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", key, err)
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("load %s: unexpected value length %d", key, len(val))
	}
	return wal.LSN(binary.BigEndian.Uint64(val)), nil
}

func (s *Store) storeLSN(key []byte, lsn wal.LSN) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(lsn))
	if err := s.db.Set(key, buf, pebble.Sync); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// LastAppliedDDL returns the persisted DDL replay high-water mark, 0 when
// the store is fresh.
func (s *Store) LastAppliedDDL() (wal.LSN, error) {
	return s.loadLSN(keyLastAppliedDDL)
}

// SetLastAppliedDDL persists the DDL replay high-water mark.
func (s *Store) SetLastAppliedDDL(lsn wal.LSN) error {
	return s.storeLSN(keyLastAppliedDDL, lsn)
}

// LastAcked returns the persisted acknowledged stream position, 0 when the
// store is fresh.
func (s *Store) LastAcked() (wal.LSN, error) {
	return s.loadLSN(keyLastAcked)
}

// SetLastAcked persists the acknowledged stream position. Synced before
// returning: once the primary sees the ack it may discard WAL below it.
func (s *Store) SetLastAcked(lsn wal.LSN) error {
	return s.storeLSN(keyLastAcked, lsn)
}

// AppendBuffered durably appends one deferred change.
func (s *Store) AppendBuffered(change wal.BufferedChange) error {
	val, err := msgpack.Marshal(&change)
	if err != nil {
		return fmt.Errorf("encode buffered change: %w", err)
	}
	if err := s.db.Set(s.bufferKey(s.nextSeq), val, pebble.Sync); err != nil {
		return fmt.Errorf("append buffered change: %w", err)
	}
	s.nextSeq++
	return nil
}

// ReplaceBuffer rewrites the persisted buffer after a sweep.
func (s *Store) ReplaceBuffer(buffer []wal.BufferedChange) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.DeleteRange(bufferPrefix, bufferUpperBound(), nil); err != nil {
		return fmt.Errorf("clear buffer: %w", err)
	}

	seq := uint64(0)
	for i := range buffer {
		val, err := msgpack.Marshal(&buffer[i])
		if err != nil {
			return fmt.Errorf("encode buffered change: %w", err)
		}
		if err := batch.Set(s.bufferKey(seq), val, nil); err != nil {
			return fmt.Errorf("rewrite buffered change: %w", err)
		}
		seq++
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit buffer rewrite: %w", err)
	}
	s.nextSeq = seq
	return nil
}

// LoadBuffer returns the persisted buffer in arrival order.
func (s *Store) LoadBuffer() ([]wal.BufferedChange, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: bufferPrefix,
		UpperBound: bufferUpperBound(),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate buffer: %w", err)
	}
	defer iter.Close()

	var buffer []wal.BufferedChange
	for iter.First(); iter.Valid(); iter.Next() {
		var change wal.BufferedChange
		if err := msgpack.Unmarshal(iter.Value(), &change); err != nil {
			return nil, fmt.Errorf("decode buffered change: %w", err)
		}
		buffer = append(buffer, change)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("read buffer: %w", err)
	}
	return buffer, nil
}

func (s *Store) bufferKey(seq uint64) []byte {
	key := make([]byte, len(bufferPrefix)+8)
	copy(key, bufferPrefix)
	binary.BigEndian.PutUint64(key[len(bufferPrefix):], seq)
	return key
}

func bufferUpperBound() []byte {
	// "buffer0" sorts right after every "buffer/..." key.
	upper := append([]byte{}, bufferPrefix...)
	upper[len(upper)-1]++
	return upper
}
