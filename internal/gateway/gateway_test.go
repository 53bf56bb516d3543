package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/policy"
	"github.com/fyrsmithlabs/recalld/internal/ratelimit"
	"github.com/fyrsmithlabs/recalld/internal/solution"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/vectorindex"
)

// fakeStore is an in-memory store.Store that counts calls so tests can
// assert rejected requests never touch collaborators.
type fakeStore struct {
	mu        sync.Mutex
	records   map[string]*solution.Solution
	calls     int
	touched   [][]string
	failBatch error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*solution.Solution{}}
}

func (f *fakeStore) bump() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeStore) Insert(_ context.Context, s *solution.Solution) error {
	f.bump()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[s.ID] = s
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*solution.Solution, error) {
	f.bump()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.records[id]
	if !ok {
		return nil, solution.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) GetBatch(_ context.Context, ids []string) (map[string]*solution.Solution, error) {
	f.bump()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBatch != nil {
		return nil, f.failBatch
	}
	out := make(map[string]*solution.Solution, len(ids))
	for _, id := range ids {
		if s, ok := f.records[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.bump()
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *fakeStore) Exists(_ context.Context, id string) (bool, error) {
	f.bump()
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[id]
	return ok, nil
}

func (f *fakeStore) Count(_ context.Context) (int64, error) {
	f.bump()
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.records)), nil
}

func (f *fakeStore) Touch(_ context.Context, id string, _ time.Time) error {
	f.bump()
	return nil
}

func (f *fakeStore) TouchBatch(_ context.Context, ids []string, _ time.Time) error {
	f.bump()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, ids)
	return nil
}

func (f *fakeStore) TopByValue(_ context.Context, _ string, _ int) ([]*solution.Solution, error) {
	f.bump()
	return nil, nil
}

func (f *fakeStore) OlderThan(_ context.Context, _ time.Time, _ store.Iterator) error {
	f.bump()
	return nil
}

func (f *fakeStore) RankedTail(_ context.Context, _ int64, _ store.Iterator) error {
	f.bump()
	return nil
}

func (f *fakeStore) RecentByCollection(_ context.Context, _ string, _ int) ([]*solution.Solution, error) {
	f.bump()
	return nil, nil
}

func (f *fakeStore) Collections(_ context.Context) ([]string, error) {
	f.bump()
	return nil, nil
}

func (f *fakeStore) ForEach(_ context.Context, _ store.Iterator) error {
	f.bump()
	return nil
}

func (f *fakeStore) Close() error { return nil }

// countingIndex wraps an Index and counts every query.
type countingIndex struct {
	vectorindex.Index
	mu    sync.Mutex
	calls int
	fail  error
}

func (c *countingIndex) NearestNeighbors(ctx context.Context, collection string, vector []float32, k, offset int) ([]vectorindex.Neighbor, error) {
	c.mu.Lock()
	c.calls++
	fail := c.fail
	c.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return c.Index.NearestNeighbors(ctx, collection, vector, k, offset)
}

func (c *countingIndex) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestGateway(t *testing.T, opts ...Option) (*Gateway, *countingIndex, *fakeStore) {
	t.Helper()
	rules, err := policy.NewRules([]string{"errors", "runbooks"}, policy.DefaultMaxPayloadBytes)
	require.NoError(t, err)
	idx := &countingIndex{Index: vectorindex.NewMemoryIndex(nil)}
	st := newFakeStore()
	limiter := ratelimit.NewLimiter(ratelimit.DefaultMinuteCap, ratelimit.DefaultHourCap)
	return New(rules, limiter, idx, st, opts...), idx, st
}

// seed inserts n solutions into both the index and the store. Vectors
// are constructed so that similarity to the probe strictly decreases
// with i, giving a deterministic global order.
func seed(t *testing.T, idx vectorindex.Index, st store.Store, collection string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := solution.New(collection, fmt.Sprintf("query %d", i), fmt.Sprintf("answer %d", i), 0.5)
		require.NoError(t, err)
		require.NoError(t, st.Insert(context.Background(), s))

		angle := float32(i+1) * 0.03
		vec := []float32{1 - angle, angle}
		require.NoError(t, idx.Insert(context.Background(), collection, s.EmbeddingRef, vec))
		ids = append(ids, s.ID)
	}
	return ids
}

func probe() []float32 { return []float32{1, 0} }

func TestHandleReturnsRankedPage(t *testing.T) {
	g, idx, st := newTestGateway(t)
	seed(t, idx.Index, st, "errors", 5)

	resp, err := g.Handle(context.Background(), Request{
		ClientID:    "client-a",
		Collection:  "errors",
		QueryVector: probe(),
		Limit:       3,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 3)
	assert.True(t, resp.HasMore)
	assert.Equal(t, 3, resp.Limit)
	assert.Equal(t, 0, resp.Offset)

	// Scores come back in descending order.
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestHandleLastPageHasMoreFalse(t *testing.T) {
	g, idx, st := newTestGateway(t)
	seed(t, idx.Index, st, "errors", 4)

	resp, err := g.Handle(context.Background(), Request{
		ClientID:    "client-a",
		Collection:  "errors",
		QueryVector: probe(),
		Limit:       10,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 4)
	assert.False(t, resp.HasMore)
}

func TestPaginationPagesAreDisjointAndComplete(t *testing.T) {
	g, idx, st := newTestGateway(t)
	ids := seed(t, idx.Index, st, "errors", 25)

	seen := map[string]bool{}
	offset := 0
	for {
		resp, err := g.Handle(context.Background(), Request{
			ClientID:    "client-a",
			Collection:  "errors",
			QueryVector: probe(),
			Limit:       7,
			Offset:      offset,
		})
		require.NoError(t, err)
		for _, r := range resp.Results {
			assert.False(t, seen[r.ID], "solution %s served twice", r.ID)
			seen[r.ID] = true
		}
		if !resp.HasMore {
			break
		}
		offset += resp.Limit
	}
	assert.Len(t, seen, len(ids))
}

func TestRejectionsShortCircuit(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{
			name: "missing identity",
			req:  Request{Collection: "errors", QueryVector: probe()},
			want: ErrMissingIdentity,
		},
		{
			name: "collection not whitelisted",
			req:  Request{ClientID: "c", Collection: "secrets", QueryVector: probe()},
			want: ErrInvalidCollection,
		},
		{
			name: "payload too large",
			req: Request{
				ClientID:    "c",
				Collection:  "errors",
				QueryVector: make([]float32, policy.DefaultMaxPayloadBytes),
			},
			want: ErrPayloadTooLarge,
		},
		{
			name: "script injection in query text",
			req:  Request{ClientID: "c", Collection: "errors", QueryText: "<script>alert(1)</script>"},
			want: ErrMaliciousInput,
		},
		{
			name: "sql metacharacters in query text",
			req:  Request{ClientID: "c", Collection: "errors", QueryText: "x'; DROP TABLE solutions; --"},
			want: ErrMaliciousInput,
		},
		{
			name: "no query at all",
			req:  Request{ClientID: "c", Collection: "errors"},
			want: ErrInvalidQuery,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, idx, st := newTestGateway(t)
			resp, err := g.Handle(context.Background(), tt.req)
			assert.Nil(t, resp)
			assert.ErrorIs(t, err, tt.want)
			// A rejected request is side-effect free.
			assert.Zero(t, idx.callCount(), "index queried for rejected request")
			assert.Zero(t, st.callCount(), "store touched for rejected request")
		})
	}
}

func TestRejectionErrorsCarryNoPayload(t *testing.T) {
	g, _, _ := newTestGateway(t)
	payload := "<script>window.secret</script>"
	_, err := g.Handle(context.Background(), Request{
		ClientID:   "c",
		Collection: "errors",
		QueryText:  payload,
	})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
	assert.NotContains(t, err.Error(), payload)
}

func TestRateLimitDeniesOverCap(t *testing.T) {
	rules, err := policy.NewRules([]string{"errors"}, policy.DefaultMaxPayloadBytes)
	require.NoError(t, err)
	idx := &countingIndex{Index: vectorindex.NewMemoryIndex(nil)}
	st := newFakeStore()
	g := New(rules, ratelimit.NewLimiter(3, 100), idx, st)
	seed(t, idx.Index, st, "errors", 1)

	req := Request{ClientID: "greedy", Collection: "errors", QueryVector: probe(), Limit: 1}
	for i := 0; i < 3; i++ {
		_, err := g.Handle(context.Background(), req)
		require.NoError(t, err)
	}

	_, err = g.Handle(context.Background(), req)
	require.ErrorIs(t, err, ErrRateLimited)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, ratelimit.WindowMinute, rle.Window)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))

	// Another client is unaffected.
	req.ClientID = "patient"
	_, err = g.Handle(context.Background(), req)
	assert.NoError(t, err)
}

func TestBoundsAreClampedSilently(t *testing.T) {
	g, idx, st := newTestGateway(t)
	seed(t, idx.Index, st, "errors", 2)

	resp, err := g.Handle(context.Background(), Request{
		ClientID:    "c",
		Collection:  "errors",
		QueryVector: probe(),
		Limit:       -5,
		Offset:      -10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Limit)
	assert.Equal(t, 0, resp.Offset)
	assert.Len(t, resp.Results, 1)

	resp, err = g.Handle(context.Background(), Request{
		ClientID:    "c",
		Collection:  "errors",
		QueryVector: probe(),
		Limit:       9999,
	})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, resp.Limit)
}

func TestIndexFailureIsNotEmptyResult(t *testing.T) {
	g, idx, st := newTestGateway(t)
	seed(t, idx.Index, st, "errors", 1)
	idx.fail = vectorindex.ErrUnavailable

	resp, err := g.Handle(context.Background(), Request{
		ClientID:    "c",
		Collection:  "errors",
		QueryVector: probe(),
		Limit:       5,
	})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestUnknownCollectionInIndexIsEmptyResult(t *testing.T) {
	// Whitelisted but the index has never seen it: legitimate empty page.
	g, _, _ := newTestGateway(t)

	resp, err := g.Handle(context.Background(), Request{
		ClientID:    "c",
		Collection:  "runbooks",
		QueryVector: probe(),
		Limit:       5,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.False(t, resp.HasMore)
}

func TestStoreFailureSurfacesAsUnavailable(t *testing.T) {
	g, idx, st := newTestGateway(t)
	seed(t, idx.Index, st, "errors", 2)
	st.failBatch = store.ErrUnavailable

	_, err := g.Handle(context.Background(), Request{
		ClientID:    "c",
		Collection:  "errors",
		QueryVector: probe(),
		Limit:       5,
	})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestOrphanedHitsAreSkipped(t *testing.T) {
	g, idx, st := newTestGateway(t)
	ids := seed(t, idx.Index, st, "errors", 3)

	// Drop one record but leave its embedding behind.
	require.NoError(t, st.Delete(context.Background(), ids[1]))
	st.mu.Lock()
	st.calls = 0
	st.mu.Unlock()

	resp, err := g.Handle(context.Background(), Request{
		ClientID:    "c",
		Collection:  "errors",
		QueryVector: probe(),
		Limit:       10,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	for _, r := range resp.Results {
		assert.NotEqual(t, ids[1], r.ID)
	}
}

func TestServedSolutionsAreTouched(t *testing.T) {
	g, idx, st := newTestGateway(t)
	seed(t, idx.Index, st, "errors", 2)

	resp, err := g.Handle(context.Background(), Request{
		ClientID:    "c",
		Collection:  "errors",
		QueryVector: probe(),
		Limit:       2,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	// The touch runs on a background goroutine.
	assert.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.touched) == 1 && len(st.touched[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchHonorsContextCancellation(t *testing.T) {
	g, idx, st := newTestGateway(t)
	seed(t, idx.Index, st, "errors", 1)
	idx.fail = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Handle(ctx, Request{
		ClientID:    "c",
		Collection:  "errors",
		QueryVector: probe(),
		Limit:       1,
	})
	assert.Error(t, err)
}

func TestTextQueryWithoutEmbedderFails(t *testing.T) {
	g, _, _ := newTestGateway(t)
	_, err := g.Handle(context.Background(), Request{
		ClientID:   "c",
		Collection: "errors",
		QueryText:  "how do I rotate credentials",
		Limit:      5,
	})
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.False(t, errors.Is(err, ErrMaliciousInput))
}
