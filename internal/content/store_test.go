package content

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opendata-harvester/internal/clock/manual"
	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/hash/sha256"
	"github.com/JakeFAU/opendata-harvester/internal/id/uuid"
	"github.com/JakeFAU/opendata-harvester/internal/storage/memory"
)

func newMemoryRepo() *memory.Store {
	return memory.NewStore(manual.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), uuid.New(), 0)
}

func TestIngestDeduplicatesEquivalentPayloads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newMemoryRepo()
	s := NewStore(repo, sha256.New(), nil, nil)
	meta := harvest.ContentMeta{EndpointName: "prices"}

	h1, created, err := s.Ingest(ctx, []byte(`{"v":1,"fetched_at":"a"}`), meta)
	require.NoError(t, err)
	require.True(t, created)

	h2, created, err := s.Ingest(ctx, []byte(`{"fetched_at":"b","v":1}`), meta)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, h1, h2)

	rec, err := repo.GetContent(ctx, h1)
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.ReferenceCount)
	require.Equal(t, int64(len(`{"v":1}`)), rec.SizeBytes)
}

func TestIngestConcurrentSamePayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newMemoryRepo()
	s := NewStore(repo, sha256.New(), nil, nil)

	const n = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		hashes  = make(map[string]struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, ok, err := s.Ingest(ctx, []byte(`{"records":[1,2,3]}`), harvest.ContentMeta{})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			hashes[h] = struct{}{}
			if ok {
				created++
			}
		}()
	}
	wg.Wait()

	require.Len(t, hashes, 1)
	require.Equal(t, 1, created)
	for h := range hashes {
		rec, err := repo.GetContent(ctx, h)
		require.NoError(t, err)
		require.Equal(t, int64(n), rec.ReferenceCount)
	}
}

type failingRepo struct {
	harvest.ContentRepository
}

func (failingRepo) UpsertContent(context.Context, string, []byte, harvest.ContentMeta) (bool, int64, error) {
	return false, 0, errors.New("db down")
}

func TestIngestWrapsRepositoryErrors(t *testing.T) {
	t.Parallel()

	_, _, err := NewStore(failingRepo{}, sha256.New(), nil, nil).Ingest(context.Background(), []byte("x"), harvest.ContentMeta{})
	require.ErrorContains(t, err, "db down")
}
