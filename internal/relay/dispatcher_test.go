package relay

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mailfold/mailfold-backend/internal/errors"
)

// fakeTransport replays a scripted sequence of delivery outcomes. Once
// the script is exhausted every delivery succeeds.
type fakeTransport struct {
	mu     sync.Mutex
	script []func(from string, targets []string) (*Result, error)
	calls  [][]string
}

func (f *fakeTransport) Deliver(from string, targets []string, message []byte) (*Result, error) {
	f.mu.Lock()
	recorded := make([]string, len(targets))
	copy(recorded, targets)
	f.calls = append(f.calls, recorded)
	var step func(string, []string) (*Result, error)
	if len(f.script) > 0 {
		step = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if step != nil {
		return step(from, targets)
	}
	return &Result{Accepted: recorded}, nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) call(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

// fakeRecorder captures terminal outcomes per target.
type fakeRecorder struct {
	mu        sync.Mutex
	forwarded []string
	failed    map[string]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{failed: make(map[string]string)}
}

func (f *fakeRecorder) Forwarded(sender, recipient, subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, recipient)
}

func (f *fakeRecorder) DeliveryFailed(sender, recipient, subject, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[recipient] = reason
}

func (f *fakeRecorder) counts() (forwarded, failed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwarded), len(f.failed)
}

func (f *fakeRecorder) forwardedTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.forwarded))
	copy(out, f.forwarded)
	return out
}

func (f *fakeRecorder) failedReason(target string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.failed[target]
	return reason, ok
}

// instantClock elapses every backoff immediately.
type instantClock struct{}

func (instantClock) Now() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return ch
}

// frozenClock never elapses a backoff.
type frozenClock struct{}

func (frozenClock) Now() time.Time                       { return time.Now() }
func (frozenClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

func testDispatcher(t *testing.T, transport Transport, recorder Recorder, clock Clock, maxAttempts int) (*Dispatcher, *Queue) {
	t.Helper()
	q := NewQueue()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(q, transport, recorder, clock, log, DispatcherConfig{
		Workers:     2,
		MaxAttempts: maxAttempts,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
	})
	d.Start()
	return d, q
}

func forwardRequest(targets ...string) *ForwardRequest {
	return &ForwardRequest{
		ID:           "req-1",
		EnvelopeFrom: "sales@example.com",
		Targets:      targets,
		Message:      []byte("message"),
		Sender:       "alice@remote.test",
		Subject:      "hello",
	}
}

func transientErr() error {
	return apperrors.NewDeliveryError(errors.New("greylisted"), 451, false)
}

func permanentErr() error {
	return apperrors.NewDeliveryError(errors.New("no such user"), 550, true)
}

func TestDispatcher_SuccessRecordsPerTarget(t *testing.T) {
	transport := &fakeTransport{}
	recorder := newFakeRecorder()
	d, q := testDispatcher(t, transport, recorder, instantClock{}, 3)

	require.NoError(t, q.Enqueue(forwardRequest("anna@corp.test", "ben@corp.test")))

	require.Eventually(t, func() bool {
		forwarded, _ := recorder.counts()
		return forwarded == 2
	}, time.Second, 5*time.Millisecond)
	d.Stop()

	assert.ElementsMatch(t, []string{"anna@corp.test", "ben@corp.test"}, recorder.forwardedTargets())
	_, failed := recorder.counts()
	assert.Zero(t, failed)
	assert.Equal(t, 1, transport.callCount())
}

func TestDispatcher_PermanentFailureBouncesImmediately(t *testing.T) {
	transport := &fakeTransport{
		script: []func(string, []string) (*Result, error){
			func(string, []string) (*Result, error) { return nil, permanentErr() },
		},
	}
	recorder := newFakeRecorder()
	d, q := testDispatcher(t, transport, recorder, instantClock{}, 5)

	require.NoError(t, q.Enqueue(forwardRequest("anna@corp.test")))

	require.Eventually(t, func() bool {
		_, failed := recorder.counts()
		return failed == 1
	}, time.Second, 5*time.Millisecond)
	d.Stop()

	// No retry after a permanent failure
	assert.Equal(t, 1, transport.callCount())
	reason, ok := recorder.failedReason("anna@corp.test")
	require.True(t, ok)
	assert.Contains(t, reason, "no such user")
}

func TestDispatcher_TransientFailureRetriesThenDelivers(t *testing.T) {
	transport := &fakeTransport{
		script: []func(string, []string) (*Result, error){
			func(string, []string) (*Result, error) { return nil, transientErr() },
			func(string, []string) (*Result, error) { return nil, transientErr() },
		},
	}
	recorder := newFakeRecorder()
	d, q := testDispatcher(t, transport, recorder, instantClock{}, 5)

	require.NoError(t, q.Enqueue(forwardRequest("anna@corp.test")))

	require.Eventually(t, func() bool {
		forwarded, _ := recorder.counts()
		return forwarded == 1
	}, time.Second, 5*time.Millisecond)
	d.Stop()

	assert.Equal(t, 3, transport.callCount())
	_, failed := recorder.counts()
	assert.Zero(t, failed)
}

func TestDispatcher_BouncesAfterMaxAttempts(t *testing.T) {
	alwaysFail := func(string, []string) (*Result, error) { return nil, transientErr() }
	transport := &fakeTransport{
		script: []func(string, []string) (*Result, error){alwaysFail, alwaysFail, alwaysFail, alwaysFail, alwaysFail},
	}
	recorder := newFakeRecorder()
	d, q := testDispatcher(t, transport, recorder, instantClock{}, 3)

	require.NoError(t, q.Enqueue(forwardRequest("anna@corp.test")))

	require.Eventually(t, func() bool {
		_, failed := recorder.counts()
		return failed == 1
	}, time.Second, 5*time.Millisecond)
	d.Stop()

	assert.Equal(t, 3, transport.callCount())
	forwarded, _ := recorder.counts()
	assert.Zero(t, forwarded)
}

func TestDispatcher_MixedOutcomeSplitsTargets(t *testing.T) {
	transport := &fakeTransport{
		script: []func(string, []string) (*Result, error){
			func(_ string, targets []string) (*Result, error) {
				return &Result{
					Accepted: []string{"anna@corp.test"},
					Refused: map[string]*apperrors.DeliveryError{
						"gone@corp.test": apperrors.NewDeliveryError(errors.New("user unknown"), 550, true),
					},
				}, nil
			},
		},
	}
	recorder := newFakeRecorder()
	d, q := testDispatcher(t, transport, recorder, instantClock{}, 5)

	require.NoError(t, q.Enqueue(forwardRequest("anna@corp.test", "gone@corp.test")))

	require.Eventually(t, func() bool {
		forwarded, failed := recorder.counts()
		return forwarded == 1 && failed == 1
	}, time.Second, 5*time.Millisecond)
	d.Stop()

	// One attempt settles both targets
	assert.Equal(t, 1, transport.callCount())
	assert.Equal(t, []string{"anna@corp.test"}, recorder.forwardedTargets())
	_, ok := recorder.failedReason("gone@corp.test")
	assert.True(t, ok)
}

func TestDispatcher_TransientRefusalRetriesOnlyThatTarget(t *testing.T) {
	transport := &fakeTransport{
		script: []func(string, []string) (*Result, error){
			func(_ string, targets []string) (*Result, error) {
				return &Result{
					Accepted: []string{"anna@corp.test"},
					Refused: map[string]*apperrors.DeliveryError{
						"busy@corp.test": apperrors.NewDeliveryError(errors.New("try later"), 451, false),
					},
				}, nil
			},
		},
	}
	recorder := newFakeRecorder()
	d, q := testDispatcher(t, transport, recorder, instantClock{}, 5)

	require.NoError(t, q.Enqueue(forwardRequest("anna@corp.test", "busy@corp.test")))

	require.Eventually(t, func() bool {
		forwarded, _ := recorder.counts()
		return forwarded == 2
	}, time.Second, 5*time.Millisecond)
	d.Stop()

	require.Equal(t, 2, transport.callCount())
	// Second attempt carries only the transiently refused target
	assert.Equal(t, []string{"busy@corp.test"}, transport.call(1))
	assert.ElementsMatch(t, []string{"anna@corp.test", "busy@corp.test"}, recorder.forwardedTargets())
}

func TestDispatcher_StopBouncesPendingRetries(t *testing.T) {
	transport := &fakeTransport{
		script: []func(string, []string) (*Result, error){
			func(string, []string) (*Result, error) { return nil, transientErr() },
		},
	}
	recorder := newFakeRecorder()
	d, q := testDispatcher(t, transport, recorder, frozenClock{}, 5)

	require.NoError(t, q.Enqueue(forwardRequest("anna@corp.test")))

	// Wait for the attempt to park in backoff
	require.Eventually(t, func() bool {
		return transport.callCount() == 1
	}, time.Second, 5*time.Millisecond)
	d.Stop()

	// Shutdown converted the pending retry into a terminal bounce
	// before Stop returned
	_, failed := recorder.counts()
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, transport.callCount())
}

// gatedTransport holds a delivery open until released, so a test can
// overlap Stop with an in-flight attempt.
type gatedTransport struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedTransport) Deliver(from string, targets []string, message []byte) (*Result, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return nil, transientErr()
}

func TestDispatcher_StopWaitsForTerminalRecords(t *testing.T) {
	transport := &gatedTransport{entered: make(chan struct{}), release: make(chan struct{})}
	recorder := newFakeRecorder()
	d, q := testDispatcher(t, transport, recorder, frozenClock{}, 5)

	require.NoError(t, q.Enqueue(forwardRequest("anna@corp.test")))
	<-transport.entered

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	close(transport.release)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	// The attempt that was in flight when Stop began reached a terminal
	// record before Stop returned
	_, failed := recorder.counts()
	assert.Equal(t, 1, failed)
}

func TestDispatcher_AllRefusedRetriesOnlyTransientTargets(t *testing.T) {
	transport := &fakeTransport{
		script: []func(string, []string) (*Result, error){
			func(_ string, targets []string) (*Result, error) {
				return &Result{
					Refused: map[string]*apperrors.DeliveryError{
						"gone@corp.test": apperrors.NewDeliveryError(errors.New("user unknown"), 550, true),
						"busy@corp.test": apperrors.NewDeliveryError(errors.New("try later"), 451, false),
					},
				}, nil
			},
		},
	}
	recorder := newFakeRecorder()
	d, q := testDispatcher(t, transport, recorder, instantClock{}, 5)

	require.NoError(t, q.Enqueue(forwardRequest("gone@corp.test", "busy@corp.test")))

	require.Eventually(t, func() bool {
		forwarded, failed := recorder.counts()
		return forwarded == 1 && failed == 1
	}, time.Second, 5*time.Millisecond)
	d.Stop()

	// The permanently refused target bounced after the first attempt;
	// only the transient refusal went back through the queue
	require.Equal(t, 2, transport.callCount())
	assert.Equal(t, []string{"busy@corp.test"}, transport.call(1))
	assert.Equal(t, []string{"busy@corp.test"}, recorder.forwardedTargets())
	reason, ok := recorder.failedReason("gone@corp.test")
	require.True(t, ok)
	assert.Contains(t, reason, "user unknown")
}

func TestDispatcher_AllRefusedPermanentlyBouncesWithoutRetry(t *testing.T) {
	transport := &fakeTransport{
		script: []func(string, []string) (*Result, error){
			func(_ string, targets []string) (*Result, error) {
				return &Result{
					Refused: map[string]*apperrors.DeliveryError{
						"gone@corp.test": apperrors.NewDeliveryError(errors.New("user unknown"), 550, true),
						"dead@corp.test": apperrors.NewDeliveryError(errors.New("mailbox disabled"), 550, true),
					},
				}, nil
			},
		},
	}
	recorder := newFakeRecorder()
	d, q := testDispatcher(t, transport, recorder, instantClock{}, 5)

	require.NoError(t, q.Enqueue(forwardRequest("gone@corp.test", "dead@corp.test")))

	require.Eventually(t, func() bool {
		_, failed := recorder.counts()
		return failed == 2
	}, time.Second, 5*time.Millisecond)
	d.Stop()

	assert.Equal(t, 1, transport.callCount())
	forwarded, _ := recorder.counts()
	assert.Zero(t, forwarded)
}

func TestDispatcher_Backoff(t *testing.T) {
	d := NewDispatcher(NewQueue(), &fakeTransport{}, newFakeRecorder(), instantClock{},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		DispatcherConfig{BackoffBase: 30 * time.Second, BackoffMax: 4 * time.Minute})

	assert.Equal(t, 30*time.Second, d.backoff(1))
	assert.Equal(t, time.Minute, d.backoff(2))
	assert.Equal(t, 2*time.Minute, d.backoff(3))
	assert.Equal(t, 4*time.Minute, d.backoff(4))
	assert.Equal(t, 4*time.Minute, d.backoff(10))
}
