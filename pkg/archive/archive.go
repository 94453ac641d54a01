// Package archive persists NT4 topic logs to a badger database so a
// recording can be replayed into a Model later.
package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/sudorandom/peninsula-nt4/pkg/msgpack"
	"github.com/sudorandom/peninsula-nt4/pkg/nt4"
)

const (
	topicPrefix  = "t/"
	samplePrefix = "s/"
	sequenceKey  = "q/samples"
	batchSize    = 1000
)

var ErrClosed = errors.New("archive: closed")

// TopicRecord describes one archived topic.
type TopicRecord struct {
	Path     string
	WireType string
	Samples  int
}

type Archive struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger

	mu      sync.Mutex
	wb      *badger.WriteBatch
	pending int
	topics  map[string]string
	closed  bool
}

type Option func(*Archive)

func WithLogger(l *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = l
	}
}

// Open opens or creates the archive stored in dir.
func Open(dir string, opts ...Option) (*Archive, error) {
	a := &Archive{
		logger: slog.Default(),
		topics: make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}

	bopts := badger.DefaultOptions(dir)
	bopts.Logger = badgerLogger{a.logger.With("component", "badger")}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", dir, err)
	}
	a.db = db
	a.wb = db.NewWriteBatch()

	// The sequence persists across reopens, so samples recorded in a later
	// session never overwrite earlier ones with the same timestamp.
	a.seq, err = db.GetSequence([]byte(sequenceKey), batchSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open archive sequence: %w", err)
	}

	recs, err := a.Topics()
	if err != nil {
		_ = a.seq.Release()
		_ = db.Close()
		return nil, err
	}
	for _, r := range recs {
		a.topics[r.Path] = r.WireType
	}
	return a, nil
}

// Close flushes pending writes and closes the database.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	ferr := a.wb.Flush()
	serr := a.seq.Release()
	return errors.Join(ferr, serr, a.db.Close())
}

// Announce records the wire type of path. Repeated calls with the same
// type are free.
func (a *Archive) Announce(path, wireType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return a.announce(nt4.NormalizePath(path), wireType)
}

func (a *Archive) announce(p, wireType string) error {
	if t, ok := a.topics[p]; ok && t == wireType {
		return nil
	}
	if err := a.set([]byte(topicPrefix+p), []byte(wireType)); err != nil {
		return err
	}
	a.topics[p] = wireType
	return nil
}

// Record stores one sample for path, announcing the topic first when
// needed. Writes are batched; call Flush to make them visible to readers.
func (a *Archive) Record(path, wireType string, s nt4.Sample) error {
	data, err := msgpack.Serialize(s.V, msgpack.EncodeOptions{})
	if err != nil {
		return fmt.Errorf("encode sample for %s: %w", path, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	p := nt4.NormalizePath(path)
	if err := a.announce(p, wireType); err != nil {
		return err
	}
	n, err := a.seq.Next()
	if err != nil {
		return fmt.Errorf("next sample sequence: %w", err)
	}
	return a.set(sampleKey(p, s.TS, n), data)
}

func (a *Archive) set(key, value []byte) error {
	if err := a.wb.Set(key, value); err != nil {
		return err
	}
	a.pending++
	if a.pending >= batchSize {
		return a.flush()
	}
	return nil
}

// Flush commits every pending write.
func (a *Archive) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return a.flush()
}

func (a *Archive) flush() error {
	if a.pending == 0 {
		return nil
	}
	err := a.wb.Flush()
	a.wb = a.db.NewWriteBatch()
	a.pending = 0
	return err
}

// Topics lists archived topics in path order with their sample counts.
func (a *Archive) Topics() ([]TopicRecord, error) {
	var out []TopicRecord
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(topicPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			wt, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, TopicRecord{
				Path:     string(item.Key()[len(topicPrefix):]),
				WireType: string(wt),
			})
		}
		for i := range out {
			out[i].Samples = countPrefix(txn, samplePrefixFor(out[i].Path))
		}
		return nil
	})
	return out, err
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// ForEachSample calls fn for every sample of path in timestamp order.
// Samples sharing a timestamp come back in the order they were recorded.
func (a *Archive) ForEachSample(path string, fn func(nt4.Sample) error) error {
	prefix := samplePrefixFor(nt4.NormalizePath(path))
	return a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			ts, err := sampleTS(item.Key(), len(prefix))
			if err != nil {
				return err
			}
			err = item.Value(func(v []byte) error {
				val, err := msgpack.Deserialize(v, msgpack.DecodeOptions{})
				if err != nil {
					return fmt.Errorf("decode sample %s@%d: %w", path, ts, err)
				}
				return fn(nt4.Sample{TS: ts, V: val})
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Replay announces every archived topic on m and feeds it the stored
// samples. It returns the number of samples replayed.
func (a *Archive) Replay(m *nt4.Model) (int, error) {
	if err := a.Flush(); err != nil && !errors.Is(err, ErrClosed) {
		return 0, err
	}
	recs, err := a.Topics()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if !m.AnnounceTopic(r.Path, nt4.ModelType(r.WireType)) {
			a.logger.Warn("skipping archived topic", "path", r.Path, "type", r.WireType)
			continue
		}
		err := a.ForEachSample(r.Path, func(s nt4.Sample) error {
			if _, err := m.UpdateTopicAt(r.Path, s.V, s.TS); err != nil {
				return err
			}
			n++
			return nil
		})
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Attach records every announce and update published by m. wireType maps
// a path to its announced type; when nil or unknown the model type is
// stored. It returns the subscription id.
func (a *Archive) Attach(m *nt4.Model, wireType func(path string) (string, bool)) int {
	typeOf := func(c nt4.Change) string {
		if wireType != nil {
			if t, ok := wireType(c.Path); ok {
				return t
			}
		}
		return c.Type.String()
	}
	return m.Events().Subscribe(func(_ context.Context, c nt4.Change) error {
		switch c.Kind {
		case nt4.ChangeAnnounce:
			return a.Announce(c.Path, typeOf(c))
		case nt4.ChangeUpdate:
			return a.Record(c.Path, typeOf(c), nt4.Sample{TS: c.TS, V: c.Value})
		}
		return nil
	})
}

func samplePrefixFor(p string) []byte {
	b := make([]byte, 0, len(samplePrefix)+len(p)+1)
	b = append(b, samplePrefix...)
	b = append(b, p...)
	return append(b, 0)
}

// sampleKey orders samples by timestamp, then by recording sequence. The
// timestamp sign bit is flipped so negative times sort before positive
// ones.
func sampleKey(p string, ts int64, seq uint64) []byte {
	key := samplePrefixFor(p)
	key = binary.BigEndian.AppendUint64(key, uint64(ts)^(1<<63))
	return binary.BigEndian.AppendUint64(key, seq)
}

func sampleTS(key []byte, prefixLen int) (int64, error) {
	rest := key[prefixLen:]
	if len(rest) != 16 || bytes.IndexByte(key[:prefixLen], 0) != prefixLen-1 {
		return 0, fmt.Errorf("malformed sample key %q", key)
	}
	return int64(binary.BigEndian.Uint64(rest[:8]) ^ (1 << 63)), nil
}
