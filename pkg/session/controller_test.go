package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BuddyLim/smartfi/pkg/cache"
	"github.com/BuddyLim/smartfi/pkg/cache/memory"
	"github.com/BuddyLim/smartfi/pkg/drain"
	"github.com/BuddyLim/smartfi/pkg/ledger"
	"github.com/BuddyLim/smartfi/pkg/metrics"
	metricsmemory "github.com/BuddyLim/smartfi/pkg/metrics/memory"
	"github.com/BuddyLim/smartfi/pkg/query"
	"github.com/BuddyLim/smartfi/pkg/stream"
	"github.com/BuddyLim/smartfi/pkg/stream/sse"
	"github.com/BuddyLim/smartfi/pkg/stream/ssetest"
)

// fakeTransport hands out pipes the test feeds by hand.
type fakeTransport struct {
	mu    sync.Mutex
	pipes map[string]*stream.Pipe
	err   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{pipes: make(map[string]*stream.Pipe)}
}

func (f *fakeTransport) Open(ctx context.Context, jobID string) (stream.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := stream.NewPipe(ctx, 16, nil)
	f.pipes[jobID] = p
	return p, nil
}

func (f *fakeTransport) pipe(jobID string) *stream.Pipe {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pipes[jobID]
}

type recordingPublisher struct {
	mu  sync.Mutex
	ids []int64
}

func (p *recordingPublisher) Publish(ctx context.Context, rec ledger.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, rec.ID)
	return nil
}

func (p *recordingPublisher) published() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.ids...)
}

func newController(t *testing.T, transport stream.Transport, pub drain.Publisher) (*Controller, *[]Result) {
	t.Helper()
	c, err := New(Config{UserID: 1, Drain: drain.Config{Interval: 2 * time.Millisecond}}, transport,
		func(userID int64) drain.Publisher { return pub })
	require.NoError(t, err)
	t.Cleanup(c.Close)

	var mu sync.Mutex
	results := &[]Result{}
	c.OnFinish(func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		*results = append(*results, r)
	})
	return c, results
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, func(int64) drain.Publisher { return nil })
	assert.ErrorIs(t, err, ErrNoTransport)

	_, err = New(Config{}, newFakeTransport(), nil)
	assert.ErrorIs(t, err, ErrNoPublisher)
}

func TestController_StartRequiresJobID(t *testing.T) {
	c, _ := newController(t, newFakeTransport(), &recordingPublisher{})
	assert.ErrorIs(t, c.Start(context.Background(), "  "), ErrEmptyJobID)
	assert.Equal(t, Idle, c.Status().State)
}

func TestController_Done(t *testing.T) {
	tr := newFakeTransport()
	pub := &recordingPublisher{}
	c, results := newController(t, tr, pub)

	require.NoError(t, c.Start(context.Background(), "job-1"))
	st := c.Status()
	assert.Equal(t, Streaming, st.State)
	assert.Equal(t, "job-1", st.JobID)
	assert.True(t, st.Loading)

	p := tr.pipe("job-1")
	p.Send(stream.Event{Kind: stream.EventOpen})
	p.Send(stream.Event{Kind: stream.EventMessage, Data: `{"id": 1, "name": "Coffee", "amount": 4.5`})
	p.Send(stream.Event{Kind: stream.EventMessage, Data: `not json at all`})
	p.Send(stream.Event{Kind: stream.EventMessage, Data: `{"id": 2, "name": "Rent"}`})
	p.Send(stream.Event{Kind: stream.EventMessage, Data: stream.DoneSignal})

	require.NoError(t, c.Wait(waitCtx(t)))

	assert.Equal(t, Idle, c.Status().State)
	assert.Equal(t, []int64{1, 2}, pub.published())
	require.Len(t, *results, 1)
	r := (*results)[0]
	assert.Equal(t, "job-1", r.JobID)
	assert.Equal(t, metrics.OutcomeDone, r.Outcome)
	assert.Equal(t, 2, r.Received)
	assert.Equal(t, 1, r.Malformed)
	assert.NoError(t, r.Err)
}

func TestController_TransportError(t *testing.T) {
	tr := newFakeTransport()
	pub := &recordingPublisher{}
	c, results := newController(t, tr, pub)

	require.NoError(t, c.Start(context.Background(), "job-1"))
	p := tr.pipe("job-1")
	p.Send(stream.Event{Kind: stream.EventMessage, Data: `{"id": 7}`})
	boom := errors.New("connection reset")
	p.Send(stream.Event{Kind: stream.EventError, Err: boom})

	require.NoError(t, c.Wait(waitCtx(t)))

	assert.Equal(t, Idle, c.Status().State)
	// Records received before the error still reach the cache.
	assert.Equal(t, []int64{7}, pub.published())
	require.Len(t, *results, 1)
	assert.Equal(t, metrics.OutcomeFailed, (*results)[0].Outcome)
	assert.ErrorIs(t, (*results)[0].Err, boom)
}

func TestController_StreamClosedWithoutDone(t *testing.T) {
	tr := newFakeTransport()
	c, results := newController(t, tr, &recordingPublisher{})

	require.NoError(t, c.Start(context.Background(), "job-1"))
	tr.pipe("job-1").Finish()

	require.NoError(t, c.Wait(waitCtx(t)))
	require.Len(t, *results, 1)
	assert.ErrorIs(t, (*results)[0].Err, stream.ErrStreamEnded)
}

func TestController_OpenFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.err = errors.New("refused")
	c, results := newController(t, tr, &recordingPublisher{})

	assert.Error(t, c.Start(context.Background(), "job-1"))
	assert.Equal(t, Idle, c.Status().State)
	require.Len(t, *results, 1)
	assert.Equal(t, metrics.OutcomeFailed, (*results)[0].Outcome)
}

func TestController_CancelIdempotent(t *testing.T) {
	tr := newFakeTransport()
	pub := &recordingPublisher{}
	mc := metricsmemory.NewMemoryCollector()
	c, err := New(Config{UserID: 1, Drain: drain.Config{Interval: time.Hour}, Metrics: mc}, tr,
		func(int64) drain.Publisher { return pub })
	require.NoError(t, err)

	var finished int
	c.OnFinish(func(Result) { finished++ })

	require.NoError(t, c.Start(context.Background(), "job-1"))
	p := tr.pipe("job-1")
	p.Send(stream.Event{Kind: stream.EventMessage, Data: `{"id": 1}`})
	p.Send(stream.Event{Kind: stream.EventMessage, Data: `{"id": 2}`})
	require.Eventually(t, func() bool { return c.Status().Queue.QueueDepth == 2 }, time.Second, time.Millisecond)

	c.Cancel()
	c.Cancel()

	assert.Equal(t, Idle, c.Status().State)
	assert.Equal(t, 1, finished)
	assert.Empty(t, pub.published())
	assert.Error(t, p.Context().Err(), "expected the stream to be closed")
	assert.Equal(t, int64(2), mc.Queue("stream").Discarded)
	assert.Equal(t, int64(1), mc.Snapshot().Sessions[metrics.OutcomeCancelled].Count)

	c.Close()
	c.Close()
}

func TestController_CancelAfterDoneDiscardsQueue(t *testing.T) {
	tr := newFakeTransport()
	pub := &recordingPublisher{}
	mc := metricsmemory.NewMemoryCollector()
	interval := 50 * time.Millisecond
	c, err := New(Config{UserID: 1, Drain: drain.Config{Interval: interval}, Metrics: mc}, tr,
		func(int64) drain.Publisher { return pub })
	require.NoError(t, err)
	defer c.Close()

	var (
		mu       sync.Mutex
		outcomes []string
	)
	c.OnFinish(func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, r.Outcome)
	})

	require.NoError(t, c.Start(context.Background(), "job-1"))
	p := tr.pipe("job-1")
	for _, payload := range []string{`{"id": 1}`, `{"id": 2}`, `{"id": 3}`, `{"id": 4}`, `{"id": 5}`} {
		p.Send(stream.Event{Kind: stream.EventMessage, Data: payload})
	}
	p.Send(stream.Event{Kind: stream.EventMessage, Data: stream.DoneSignal})
	require.Eventually(t, func() bool { return c.Status().State == Idle }, time.Second, time.Millisecond)

	c.Cancel()
	before := len(pub.published())
	c.Cancel()

	time.Sleep(4 * interval)
	assert.Len(t, pub.published(), before, "no record may be published after Cancel")
	assert.Equal(t, int64(5-before), mc.Queue("stream").Discarded)
	mu.Lock()
	assert.Equal(t, []string{metrics.OutcomeDone}, outcomes)
	mu.Unlock()
	require.NoError(t, c.Wait(waitCtx(t)))
}

func TestController_ConcurrentStart(t *testing.T) {
	tr := newFakeTransport()
	c, results := newController(t, tr, &recordingPublisher{})

	jobs := []string{"job-1", "job-2", "job-3", "job-4", "job-5", "job-6"}
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job string) {
			defer wg.Done()
			assert.NoError(t, c.Start(context.Background(), job))
		}(job)
	}
	wg.Wait()

	var open []string
	for _, job := range jobs {
		if tr.pipe(job).Context().Err() == nil {
			open = append(open, job)
		}
	}
	require.Len(t, open, 1, "exactly one stream may stay open")
	assert.Equal(t, open[0], c.Status().JobID)

	require.Len(t, *results, len(jobs)-1)
	for _, r := range *results {
		assert.Equal(t, metrics.OutcomeCancelled, r.Outcome)
		assert.NotEqual(t, open[0], r.JobID)
	}
}

func TestController_StartCancelsActiveSession(t *testing.T) {
	tr := newFakeTransport()
	c, results := newController(t, tr, &recordingPublisher{})

	require.NoError(t, c.Start(context.Background(), "job-1"))
	require.NoError(t, c.Start(context.Background(), "job-2"))

	assert.Equal(t, "job-2", c.Status().JobID)
	require.Len(t, *results, 1)
	assert.Equal(t, "job-1", (*results)[0].JobID)
	assert.Equal(t, metrics.OutcomeCancelled, (*results)[0].Outcome)
}

func TestController_RestartAfterDone(t *testing.T) {
	tr := newFakeTransport()
	pub := &recordingPublisher{}
	c, results := newController(t, tr, pub)

	for i, job := range []string{"job-1", "job-2"} {
		require.NoError(t, c.Start(context.Background(), job))
		p := tr.pipe(job)
		p.Send(stream.Event{Kind: stream.EventMessage, Data: `{"id": ` + string(rune('1'+i)) + `}`})
		p.Send(stream.Event{Kind: stream.EventMessage, Data: stream.DoneSignal})
		require.NoError(t, c.Wait(waitCtx(t)))
	}

	assert.Equal(t, []int64{1, 2}, pub.published())
	assert.Len(t, *results, 2)
}

func TestController_EndToEnd(t *testing.T) {
	server, srv := ssetest.Start(ssetest.Script{})
	defer srv.Close()
	jobID := server.AddJob(ssetest.Script{Payloads: []string{
		`{"id": 1, "name": "Salary", "amount": 2500, "entry_type": "credit", "date": "2025-03-01T09:00:00Z"}`,
		`{"id": 2, "name": "Coffee", "amount": 4.5, "entry_type": "debit", "date": "2025-03-01T10:00:00Z"`,
		`{"id": 3, "name": "Books", "amount": 30, "entry_type": "debit", "date": "20`,
	}})

	client := query.New(memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "feed"}), query.Config{})
	defer client.Close()
	keys := cache.NewKeys("")

	c, err := New(Config{UserID: 5, Drain: drain.Config{Interval: 2 * time.Millisecond}},
		&sse.Transport{BaseURL: srv.URL},
		func(userID int64) drain.Publisher { return query.NewStreamPublisher(client, keys, userID) })
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Start(context.Background(), jobID))
	require.NoError(t, c.Wait(waitCtx(t)))

	entries, err := client.RenderList(context.Background(), keys.Stream())
	require.NoError(t, err)
	// Record 3 lost its date to truncation and is left out of the render list.
	require.Len(t, entries, 3)
	assert.Equal(t, "2025-03-01", entries[0].Header.Date)
	assert.Equal(t, "2495.5", entries[0].Header.Total.String())
	assert.True(t, entries[2].Item.LastItem)

	recs, err := client.Records(context.Background(), keys.Stream())
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}
