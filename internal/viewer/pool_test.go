package viewer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/amux/internal/protocol"
)

type fakeTransport struct {
	in      chan protocol.Frame
	lost    chan error
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	sent    []protocol.Frame
	sendErr error
	closes  []int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan protocol.Frame, 16),
		lost: make(chan error, 1),
		done: make(chan struct{}),
	}
}

func (t *fakeTransport) Send(f protocol.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, f)
	return nil
}

func (t *fakeTransport) Recv() (protocol.Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case err := <-t.lost:
		return protocol.Frame{}, err
	case <-t.done:
		return protocol.Frame{}, ErrConnectionClosed
	}
}

func (t *fakeTransport) Close(code int, _ string) error {
	t.mu.Lock()
	t.closes = append(t.closes, code)
	t.mu.Unlock()
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) sentTypes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sent))
	for _, f := range t.sent {
		out = append(out, f.Type)
	}
	return out
}

func (t *fakeTransport) closeCodes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.closes...)
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// fakeDialer hands out transports, or fails with err (when set) for the first
// failures dials.
type fakeDialer struct {
	mu         sync.Mutex
	dials      map[string]int
	transports map[string][]*fakeTransport
	err        error
	failures   int
	block      bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: map[string]int{}, transports: map[string][]*fakeTransport{}}
}

func (d *fakeDialer) Dial(ctx context.Context, sessionID string) (Transport, error) {
	d.mu.Lock()
	d.dials[sessionID]++
	n := d.dials[sessionID]
	block, err, failures := d.block, d.err, d.failures
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil && (failures == 0 || n <= failures) {
		return nil, err
	}
	t := newFakeTransport()
	d.mu.Lock()
	d.transports[sessionID] = append(d.transports[sessionID], t)
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) count(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[sessionID]
}

func (d *fakeDialer) latest(sessionID string) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := d.transports[sessionID]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

func (d *fakeDialer) set(fn func(d *fakeDialer)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func testConfig() Config {
	return Config{
		MaxConnections:       10,
		ConnectTimeout:       200 * time.Millisecond,
		HeartbeatInterval:    time.Hour,
		ReconnectBaseDelay:   5 * time.Millisecond,
		ReconnectMaxDelay:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

type collector struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (c *collector) handle(f protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *collector) data() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		out = append(out, f.Type+":"+f.Data)
	}
	return out
}

func newTestPool(t *testing.T, d Dialer, cfg Config, opts ...Option) *Pool {
	t.Helper()
	p := NewPool(d, cfg, opts...)
	t.Cleanup(p.Shutdown)
	return p
}

func TestConnect_SharesTransport(t *testing.T) {
	d := newFakeDialer()
	p := newTestPool(t, d, testConfig())
	ctx := context.Background()

	var a, b collector
	_, err := p.Connect(ctx, "s1", a.handle)
	require.NoError(t, err)
	_, err = p.Connect(ctx, "s1", b.handle)
	require.NoError(t, err)

	assert.Equal(t, 1, d.count("s1"))
	assert.Equal(t, 1, p.Len())
	st, ok := p.Stats("s1")
	require.True(t, ok)
	assert.Equal(t, 2, st.Subscribers)
	assert.True(t, st.Open)

	tr := d.latest("s1")
	tr.in <- protocol.Ready()
	tr.in <- protocol.Data([]byte("one"))
	tr.in <- protocol.Data([]byte("two"))

	want := []string{"ready:", "data:one", "data:two"}
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, a.data()) && assert.ObjectsAreEqual(want, b.data())
	}, time.Second, 5*time.Millisecond)
}

func TestConnect_PingAnsweredAndSwallowed(t *testing.T) {
	d := newFakeDialer()
	p := newTestPool(t, d, testConfig())

	var c collector
	_, err := p.Connect(context.Background(), "s1", c.handle)
	require.NoError(t, err)

	tr := d.latest("s1")
	tr.in <- protocol.Ping()
	tr.in <- protocol.Pong()
	tr.in <- protocol.Data([]byte("x"))

	assert.Eventually(t, func() bool { return len(c.data()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"data:x"}, c.data())
	assert.Equal(t, []string{protocol.TypePong}, tr.sentTypes())
}

func TestConnect_RetryBound(t *testing.T) {
	d := newFakeDialer()
	d.err = errors.New("connection refused")
	p := newTestPool(t, d, testConfig())

	_, err := p.Connect(context.Background(), "s1", func(protocol.Frame) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, 4, d.count("s1"), "one initial dial plus three retries")
	assert.Equal(t, 0, p.Len())
}

func TestConnect_RecoversWithinBudget(t *testing.T) {
	d := newFakeDialer()
	d.err = errors.New("connection refused")
	d.failures = 2
	p := newTestPool(t, d, testConfig())

	_, err := p.Connect(context.Background(), "s1", func(protocol.Frame) {})
	require.NoError(t, err)
	assert.Equal(t, 3, d.count("s1"))
	st, _ := p.Stats("s1")
	assert.Equal(t, 0, st.ReconnectAttempts)
}

func TestConnect_Timeout(t *testing.T) {
	d := newFakeDialer()
	d.block = true
	cfg := testConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond
	p := newTestPool(t, d, cfg)

	_, err := p.Connect(context.Background(), "s1", func(protocol.Frame) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionTimeout)
	assert.Equal(t, 1, d.count("s1"))
	assert.Equal(t, 0, p.Len())
}

func TestConnect_PoolExhausted(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig()
	cfg.MaxConnections = 2
	p := newTestPool(t, d, cfg)
	ctx := context.Background()

	_, err := p.Connect(ctx, "s1", func(protocol.Frame) {})
	require.NoError(t, err)
	_, err = p.Connect(ctx, "s2", func(protocol.Frame) {})
	require.NoError(t, err)

	_, err = p.Connect(ctx, "s3", func(protocol.Frame) {})
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 0, d.count("s3"))
	assert.Equal(t, 2, p.Len())

	// An existing session is still reachable at the cap.
	_, err = p.Connect(ctx, "s1", func(protocol.Frame) {})
	assert.NoError(t, err)
}

func TestConnect_EvictsStaleAtCap(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig()
	cfg.MaxConnections = 1
	p := newTestPool(t, d, cfg)
	ctx := context.Background()

	sub, err := p.Connect(ctx, "s1", func(protocol.Frame) {})
	require.NoError(t, err)

	// Leave s1 pooled but without subscribers.
	p.mu.Lock()
	delete(p.entries["s1"].subs, sub.id)
	p.mu.Unlock()

	_, err = p.Connect(ctx, "s2", func(protocol.Frame) {})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len())
	_, ok := p.Stats("s1")
	assert.False(t, ok)
	assert.Eventually(t, d.latest("s1").isClosed, time.Second, 5*time.Millisecond)
}

func TestDisconnect(t *testing.T) {
	d := newFakeDialer()
	p := newTestPool(t, d, testConfig())
	ctx := context.Background()

	a, err := p.Connect(ctx, "s1", func(protocol.Frame) {})
	require.NoError(t, err)
	_, err = p.Connect(ctx, "s1", func(protocol.Frame) {})
	require.NoError(t, err)
	tr := d.latest("s1")

	a.Close()
	st, ok := p.Stats("s1")
	require.True(t, ok)
	assert.Equal(t, 1, st.Subscribers)
	assert.False(t, tr.isClosed())

	p.Disconnect("s1", nil)
	assert.Equal(t, 0, p.Len())
	assert.True(t, tr.isClosed())
	assert.Equal(t, []int{protocol.CloseNormal}, tr.closeCodes())

	// Closing an already removed subscriber is a no-op.
	a.Close()
}

func TestSend(t *testing.T) {
	d := newFakeDialer()
	p := newTestPool(t, d, testConfig())

	assert.False(t, p.Send("missing", protocol.Data([]byte("x"))))

	_, err := p.Connect(context.Background(), "s1", func(protocol.Frame) {})
	require.NoError(t, err)
	assert.True(t, p.Send("s1", protocol.Data([]byte("x"))))
	assert.Equal(t, []string{protocol.TypeData}, d.latest("s1").sentTypes())
}

func TestSend_FailureReconnects(t *testing.T) {
	d := newFakeDialer()
	p := newTestPool(t, d, testConfig())

	_, err := p.Connect(context.Background(), "s1", func(protocol.Frame) {})
	require.NoError(t, err)
	first := d.latest("s1")
	first.mu.Lock()
	first.sendErr = errors.New("broken pipe")
	first.mu.Unlock()

	assert.False(t, p.Send("s1", protocol.Data([]byte("x"))))
	assert.Eventually(t, func() bool {
		st, ok := p.Stats("s1")
		return ok && st.Open && d.count("s1") == 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, first.isClosed())
	assert.True(t, p.Send("s1", protocol.Data([]byte("y"))))
}

func TestTransportLoss_Reconnects(t *testing.T) {
	d := newFakeDialer()
	p := newTestPool(t, d, testConfig())

	var c collector
	_, err := p.Connect(context.Background(), "s1", c.handle)
	require.NoError(t, err)
	d.latest("s1").lost <- errors.New("reset by peer")

	require.Eventually(t, func() bool {
		st, ok := p.Stats("s1")
		return ok && st.Open && d.count("s1") == 2
	}, time.Second, 5*time.Millisecond)

	d.latest("s1").in <- protocol.Data([]byte("after"))
	assert.Eventually(t, func() bool { return len(c.data()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTransportLoss_ExhaustedNotifies(t *testing.T) {
	d := newFakeDialer()
	exhausted := make(chan error, 1)
	p := newTestPool(t, d, testConfig(), WithOnExhausted(func(_ string, err error) { exhausted <- err }))

	_, err := p.Connect(context.Background(), "s1", func(protocol.Frame) {})
	require.NoError(t, err)

	d.set(func(d *fakeDialer) { d.err = errors.New("connection refused") })
	d.latest("s1").lost <- errors.New("reset by peer")

	select {
	case err := <-exhausted:
		assert.ErrorIs(t, err, ErrReconnectExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("exhaustion hook not called")
	}
	assert.Equal(t, 4, d.count("s1"), "initial dial plus three reconnects")
	assert.Equal(t, 0, p.Len())
}

func TestTransportLoss_SessionGoneIsFinal(t *testing.T) {
	d := newFakeDialer()
	exhausted := make(chan error, 1)
	p := newTestPool(t, d, testConfig(), WithOnExhausted(func(_ string, err error) { exhausted <- err }))

	_, err := p.Connect(context.Background(), "s1", func(protocol.Frame) {})
	require.NoError(t, err)
	d.latest("s1").lost <- ErrSessionGone

	select {
	case err := <-exhausted:
		assert.ErrorIs(t, err, ErrSessionGone)
	case <-time.After(time.Second):
		t.Fatal("exhaustion hook not called")
	}
	assert.Equal(t, 1, d.count("s1"))
	assert.Equal(t, 0, p.Len())
}

func TestHeartbeat(t *testing.T) {
	d := newFakeDialer()
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	p := newTestPool(t, d, cfg)

	_, err := p.Connect(context.Background(), "s1", func(protocol.Frame) {})
	require.NoError(t, err)
	tr := d.latest("s1")

	assert.Eventually(t, func() bool {
		for _, typ := range tr.sentTypes() {
			if typ == protocol.TypePing {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestSetBackground_ForegroundChecksImmediately(t *testing.T) {
	d := newFakeDialer()
	p := newTestPool(t, d, testConfig())

	_, err := p.Connect(context.Background(), "s1", func(protocol.Frame) {})
	require.NoError(t, err)
	tr := d.latest("s1")

	p.SetBackground(true)
	p.SetBackground(false)
	assert.Eventually(t, func() bool { return len(tr.sentTypes()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.TypePing, tr.sentTypes()[0])
}

func TestShutdown(t *testing.T) {
	d := newFakeDialer()
	p := NewPool(d, testConfig())

	_, err := p.Connect(context.Background(), "s1", func(protocol.Frame) {})
	require.NoError(t, err)
	tr := d.latest("s1")

	p.Shutdown()
	p.Shutdown()

	assert.True(t, tr.isClosed())
	assert.Equal(t, 0, p.Len())
	_, err = p.Connect(context.Background(), "s2", func(protocol.Frame) {})
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestBackoff(t *testing.T) {
	p := &Pool{cfg: Config{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 5 * time.Second}}
	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 5*time.Second, p.backoff(4))
	assert.Equal(t, 5*time.Second, p.backoff(10))
}
