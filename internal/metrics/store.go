package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/dashboard/internal/docstore"
)

// instrumentedStore は文書ストアの各操作をMetricsCollectorに記録するデコレータ。
type instrumentedStore struct {
	next      docstore.Store
	collector MetricsCollector
	now       func() time.Time
}

// InstrumentStore はstoreの全操作の結果とレイテンシを記録するStoreを返す。
func InstrumentStore(store docstore.Store, collector MetricsCollector) docstore.Store {
	return &instrumentedStore{next: store, collector: collector, now: time.Now}
}

func (s *instrumentedStore) observe(op, collection string, start time.Time, err error) {
	outcome := OutcomeOK
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		outcome = OutcomeNotFound
	case err != nil:
		outcome = OutcomeError
	}
	s.collector.RecordStoreOperation(op, collection, outcome, s.now().Sub(start))
}

func (s *instrumentedStore) Get(ctx context.Context, collection, id string) (*docstore.Snapshot, error) {
	start := s.now()
	snap, err := s.next.Get(ctx, collection, id)
	if err == nil && snap == nil {
		s.collector.RecordStoreOperation("get", collection, OutcomeNotFound, s.now().Sub(start))
		return nil, nil
	}
	s.observe("get", collection, start, err)
	return snap, err
}

func (s *instrumentedStore) Set(ctx context.Context, collection, id string, data docstore.Data) error {
	start := s.now()
	err := s.next.Set(ctx, collection, id, data)
	s.observe("set", collection, start, err)
	return err
}

func (s *instrumentedStore) Update(ctx context.Context, collection, id string, updates []docstore.Update) error {
	start := s.now()
	err := s.next.Update(ctx, collection, id, updates)
	s.observe("update", collection, start, err)
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, collection, id string) error {
	start := s.now()
	err := s.next.Delete(ctx, collection, id)
	s.observe("delete", collection, start, err)
	return err
}

func (s *instrumentedStore) Query(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	start := s.now()
	snaps, err := s.next.Query(ctx, q)
	s.observe("query", q.Collection, start, err)
	return snaps, err
}

func (s *instrumentedStore) NewID(collection string) string {
	return s.next.NewID(collection)
}

func (s *instrumentedStore) Close(ctx context.Context) error {
	return s.next.Close(ctx)
}

// compile-time interface check
var _ docstore.Store = (*instrumentedStore)(nil)
