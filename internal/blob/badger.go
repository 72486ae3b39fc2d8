package blob

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"
)

// chunkSize keeps every value below badger's in-memory value threshold and
// far below the per-transaction batch limit.
const chunkSize = 512 << 10

const (
	metaPrefix = "m/"
	dataPrefix = "d/"
)

// gcInterval is how often the value log is compacted for disk-backed stores.
var gcInterval = 5 * time.Minute

// BadgerStore implements Store on Badger v3.
type BadgerStore struct {
	db       *badger.DB
	inMemory bool
	logger   *slog.Logger

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// OpenBadger opens a store in dir. An empty dir keeps everything in memory.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "blob"))

	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	s := &BadgerStore{
		db:       db,
		inMemory: dir == "",
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go s.gcLoop()

	logger.Info("blob store opened", slog.String("dir", dir), slog.Bool("in_memory", s.inMemory))
	return s, nil
}

func metaKey(id string) []byte {
	return []byte(metaPrefix + id)
}

func chunkKey(id string, i uint32) []byte {
	k := make([]byte, 0, len(dataPrefix)+len(id)+5)
	k = append(k, dataPrefix...)
	k = append(k, id...)
	k = append(k, '/')
	return binary.BigEndian.AppendUint32(k, i)
}

// Put implements Store. Data chunks are written before the metadata record,
// so a visible record always has complete data.
func (s *BadgerStore) Put(ctx context.Context, contentType string, data []byte) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}

	b := Blob{
		ID:          NewID(),
		ContentType: contentType,
		Size:        int64(len(data)),
		Created:     time.Now(),
	}

	if len(data) > 0 {
		wb := s.db.NewWriteBatch()
		for i := 0; i*chunkSize < len(data); i++ {
			end := min((i+1)*chunkSize, len(data))
			if err := wb.Set(chunkKey(b.ID, uint32(i)), data[i*chunkSize:end]); err != nil {
				wb.Cancel()
				return Blob{}, fmt.Errorf("blob: write chunk: %w", err)
			}
		}
		if err := wb.Flush(); err != nil {
			return Blob{}, fmt.Errorf("blob: flush chunks: %w", err)
		}
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(b.ID), encodeMeta(b))
	})
	if err != nil {
		return Blob{}, fmt.Errorf("blob: write metadata: %w", err)
	}

	s.logger.Debug("blob stored", slog.String("id", b.ID), slog.Int64("size", b.Size))
	return b, nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, id string) (Blob, error) {
	if err := ctx.Err(); err != nil {
		return Blob{}, err
	}

	var b Blob
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if b, err = decodeMeta(id, raw); err != nil {
			return err
		}

		b.Data = make([]byte, 0, b.Size)
		prefix := []byte(dataPrefix + id + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				b.Data = append(b.Data, v...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Blob{}, err
	}
	return b, nil
}

// RegisterMetrics publishes the store size on reg.
func (s *BadgerStore) RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "ironwire",
		Subsystem: "blob",
		Name:      "store_size_bytes",
		Help:      "Badger LSM plus value log size in bytes.",
	}, func() float64 {
		lsm, vlog := s.db.Size()
		return float64(lsm + vlog)
	}))
}

// Close stops background GC and closes the database.
func (s *BadgerStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		if cerr := s.db.Close(); cerr != nil {
			err = fmt.Errorf("close db: %w", cerr)
			return
		}
		s.logger.Info("blob store closed")
	})
	return err
}

func (s *BadgerStore) gcLoop() {
	defer close(s.doneCh)
	if s.inMemory {
		<-s.stopCh
		return
	}

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Warn("value log gc failed", slog.Any("error", err))
					}
					break
				}
			}
		case <-s.stopCh:
			return
		}
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

var _ Store = (*BadgerStore)(nil)
