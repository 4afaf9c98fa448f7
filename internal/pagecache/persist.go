package pagecache

import (
	"net/http"
	"time"

	"momay/internal/cachestore"
)

// Persister keeps JSON values across page sessions.
type Persister interface {
	Load(key string) (data []byte, savedAt time.Time, ok bool, err error)
	Save(key string, data []byte, savedAt time.Time) error
}

// StorePersister saves values as records in a cachestore store.
type StorePersister struct {
	st *cachestore.Store
}

func NewStorePersister(st *cachestore.Store) *StorePersister {
	return &StorePersister{st: st}
}

func (p *StorePersister) Load(key string) ([]byte, time.Time, bool, error) {
	rec, ok, err := p.st.Match(key)
	if err != nil || !ok || rec.StoredAt <= 0 {
		return nil, time.Time{}, false, err
	}
	return rec.Body, time.UnixMilli(rec.StoredAt), true, nil
}

func (p *StorePersister) Save(key string, data []byte, savedAt time.Time) error {
	return p.st.Put(key, cachestore.Record{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": {"application/json"}},
		Body:     data,
		StoredAt: savedAt.UnixMilli(),
	})
}
