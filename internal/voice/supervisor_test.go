package voice

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/saker-ai/voice-relay/internal/transport"
	"github.com/saker-ai/voice-relay/internal/transport/transporttest"
)

type fakeAgent struct {
	mu          sync.Mutex
	chunks      [][]byte
	disconnects int
}

func (a *fakeAgent) SubmitAudio(pcm []byte) {
	a.mu.Lock()
	a.chunks = append(a.chunks, append([]byte(nil), pcm...))
	a.mu.Unlock()
}

func (a *fakeAgent) Disconnect() {
	a.mu.Lock()
	a.disconnects++
	a.mu.Unlock()
}

func (a *fakeAgent) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks), a.disconnects
}

type passthrough struct {
	mu     sync.Mutex
	closed int
}

func (p *passthrough) Convert(frame []byte) ([]byte, error) {
	if len(frame) == 1 && frame[0] == 0xee {
		return nil, errors.New("bad frame")
	}
	return frame, nil
}

func (p *passthrough) Close() {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
}

type pendingTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

// manualClock records scheduled callbacks so tests fire them explicitly.
type manualClock struct {
	mu     sync.Mutex
	timers []*pendingTimer
}

func (c *manualClock) AfterFunc(d time.Duration, fn func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pt := &pendingTimer{d: d, fn: fn}
	c.timers = append(c.timers, pt)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		was := !pt.stopped
		pt.stopped = true
		return was
	}
}

// fire runs the newest live timer and returns its delay.
func (c *manualClock) fire(t *testing.T) time.Duration {
	t.Helper()
	c.mu.Lock()
	var pt *pendingTimer
	for i := len(c.timers) - 1; i >= 0; i-- {
		if !c.timers[i].stopped {
			pt = c.timers[i]
			break
		}
	}
	if pt == nil {
		c.mu.Unlock()
		t.Fatal("no pending timer")
	}
	pt.stopped = true
	c.mu.Unlock()
	pt.fn()
	return pt.d
}

func (c *manualClock) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, pt := range c.timers {
		if !pt.stopped {
			n++
		}
	}
	return n
}

type harness struct {
	sup   *Supervisor
	conn  *transporttest.Connection
	agent *fakeAgent
	clock *manualClock
	conv  *passthrough
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		conn:  transporttest.NewConnection("guild-1", "voice-1"),
		agent: &fakeAgent{},
		clock: &manualClock{},
		conv:  &passthrough{},
	}
	h.sup = NewSupervisor(Options{
		Policy:       DefaultPolicy(),
		Agent:        h.agent,
		NewConverter: func() (Converter, error) { return h.conv, nil },
		AfterFunc:    h.clock.AfterFunc,
	})
	if err := h.sup.Attach(h.conn); err != nil {
		t.Fatalf("Attach error=%v", err)
	}
	h.conn.SetStatus(transport.StatusReady, transport.DisconnectReason{})
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAttachTwiceFails(t *testing.T) {
	h := newHarness(t)
	if err := h.sup.Attach(h.conn); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("second Attach error=%v, want ErrAlreadyAttached", err)
	}
}

func TestDuplicateSpeakerStartIsNoop(t *testing.T) {
	h := newHarness(t)
	h.conn.StartSpeaking("alice")
	h.conn.StartSpeaking("alice")

	streams := h.conn.Streams("alice")
	if len(streams) != 1 {
		t.Fatalf("subscriptions=%d, want 1", len(streams))
	}
	streams[0].Push([]byte{1, 2})
	waitFor(t, func() bool { n, _ := h.agent.counts(); return n == 1 })
	time.Sleep(20 * time.Millisecond)
	if n, _ := h.agent.counts(); n != 1 {
		t.Fatalf("forwarded chunks=%d, want 1", n)
	}
	if got := h.sup.Speakers(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("speakers=%v, want [alice]", got)
	}
}

func TestSpeakerFramesKeepOrderAndSkipBadFrames(t *testing.T) {
	h := newHarness(t)
	h.conn.StartSpeaking("bob")
	st := h.conn.Streams("bob")[0]
	st.Push([]byte{1})
	st.Push([]byte{0xee})
	st.Push([]byte{2})
	st.Push([]byte{3})

	waitFor(t, func() bool { n, _ := h.agent.counts(); return n == 3 })
	h.agent.mu.Lock()
	defer h.agent.mu.Unlock()
	for i, want := range []byte{1, 2, 3} {
		if h.agent.chunks[i][0] != want {
			t.Fatalf("chunk[%d]=%v, want %d", i, h.agent.chunks[i], want)
		}
	}
}

func TestStreamTeardownCompleteness(t *testing.T) {
	endings := map[string]func(*transporttest.Stream){
		"end":   func(s *transporttest.Stream) { s.End() },
		"close": func(s *transporttest.Stream) { s.RemoteClose() },
		"error": func(s *transporttest.Stream) { s.Fail(errors.New("decrypt failed")) },
	}
	for name, finish := range endings {
		h := newHarness(t)
		h.conn.StartSpeaking("carol")
		st := h.conn.Streams("carol")[0]

		finish(st)

		waitFor(t, func() bool { return len(h.sup.Speakers()) == 0 })
		waitFor(t, func() bool {
			h.conv.mu.Lock()
			defer h.conv.mu.Unlock()
			return h.conv.closed == 1
		})
		if got := st.Closes(); got != 1 {
			t.Fatalf("%s: handle closes=%d, want 1", name, got)
		}
		if got := st.ListenerCount(); got != 0 {
			t.Fatalf("%s: stream listeners=%d, want 0", name, got)
		}

		// A new speaking event after removal opens a fresh stream.
		h.conn.StartSpeaking("carol")
		if got := len(h.conn.Streams("carol")); got != 2 {
			t.Fatalf("%s: subscriptions=%d, want 2", name, got)
		}
		h.sup.Leave()
		if got := st.Closes(); got != 1 {
			t.Fatalf("%s: handle closes after leave=%d, want 1", name, got)
		}
	}
}

func TestSubscribeFailureRegistersNothing(t *testing.T) {
	h := newHarness(t)
	h.conn.SetSubscribeError(errors.New("no ssrc"))
	h.conn.StartSpeaking("dave")
	if got := h.sup.Speakers(); len(got) != 0 {
		t.Fatalf("speakers=%v, want none", got)
	}

	h.conn.SetSubscribeError(nil)
	h.conn.StartSpeaking("dave")
	if got := h.sup.Speakers(); len(got) != 1 {
		t.Fatalf("speakers=%v, want [dave]", got)
	}
}

func TestReconnectBound(t *testing.T) {
	h := newHarness(t)
	lost := transport.DisconnectReason{CloseCode: 4006}

	for attempt := 1; attempt <= 5; attempt++ {
		h.conn.SetStatus(transport.StatusDisconnected, lost)
		if got, want := h.clock.fire(t), time.Duration(attempt)*5*time.Second; got != want {
			t.Fatalf("attempt %d delay=%v, want %v", attempt, got, want)
		}
		if got := h.conn.Rejoins(); got != attempt {
			t.Fatalf("rejoins=%d, want %d", got, attempt)
		}
		h.conn.SetStatus(transport.StatusConnecting, transport.DisconnectReason{})
	}

	h.conn.SetStatus(transport.StatusDisconnected, lost)
	if got := h.conn.Destroys(); got != 1 {
		t.Fatalf("destroys=%d, want 1", got)
	}
	if got := h.clock.live(); got != 0 {
		t.Fatalf("pending timers=%d, want 0", got)
	}
	h.conn.SetStatus(transport.StatusDisconnected, lost)
	if got := h.conn.Rejoins(); got != 5 {
		t.Fatalf("rejoins=%d, want 5", got)
	}
	if !h.sup.Terminated() {
		t.Fatal("supervisor not terminated")
	}
	if _, disconnects := h.agent.counts(); disconnects != 1 {
		t.Fatalf("agent disconnects=%d, want 1", disconnects)
	}
}

func TestReadyResetsRejoinCounter(t *testing.T) {
	h := newHarness(t)
	lost := transport.DisconnectReason{CloseCode: 4006}
	for i := 0; i < 3; i++ {
		h.conn.SetStatus(transport.StatusDisconnected, lost)
		h.clock.fire(t)
		h.conn.SetStatus(transport.StatusConnecting, transport.DisconnectReason{})
	}
	h.conn.SetStatus(transport.StatusReady, transport.DisconnectReason{})
	if got := h.sup.RejoinAttempts(); got != 0 {
		t.Fatalf("rejoin attempts=%d, want 0", got)
	}
	h.conn.SetStatus(transport.StatusDisconnected, lost)
	if got := h.clock.fire(t); got != 5*time.Second {
		t.Fatalf("delay=%v, want 5s", got)
	}
}

func TestRejoinErrorCountsAsAttempt(t *testing.T) {
	h := newHarness(t)
	h.conn.SetRejoinError(errors.New("gateway closed"))
	h.conn.SetStatus(transport.StatusDisconnected, transport.DisconnectReason{CloseCode: 1006})
	for i := 0; i < 5; i++ {
		h.clock.fire(t)
	}
	if got := h.conn.Rejoins(); got != 5 {
		t.Fatalf("rejoins=%d, want 5", got)
	}
	if got := h.conn.Destroys(); got != 1 {
		t.Fatalf("destroys=%d, want 1", got)
	}
}

func TestForcedCloseRecovers(t *testing.T) {
	h := newHarness(t)
	h.conn.SetStatus(transport.StatusDisconnected, transport.DisconnectReason{CloseCode: 4014})
	if got := h.clock.live(); got != 1 {
		t.Fatalf("pending timers=%d, want 1", got)
	}
	h.conn.SetStatus(transport.StatusConnecting, transport.DisconnectReason{})
	if got := h.clock.live(); got != 0 {
		t.Fatalf("recovery timer still pending")
	}
	h.conn.SetStatus(transport.StatusReady, transport.DisconnectReason{})
	if h.conn.Destroys() != 0 || h.conn.Rejoins() != 0 {
		t.Fatalf("destroys=%d rejoins=%d, want 0 0", h.conn.Destroys(), h.conn.Rejoins())
	}
}

func TestForcedCloseTimesOut(t *testing.T) {
	h := newHarness(t)
	h.conn.StartSpeaking("erin")
	h.conn.SetStatus(transport.StatusDisconnected, transport.DisconnectReason{CloseCode: 4014})
	if got := h.clock.fire(t); got != 5*time.Second {
		t.Fatalf("recovery window=%v, want 5s", got)
	}
	if got := h.conn.Destroys(); got != 1 {
		t.Fatalf("destroys=%d, want 1", got)
	}
	if got := h.conn.Rejoins(); got != 0 {
		t.Fatalf("rejoins=%d, want 0", got)
	}
	if got := h.conn.Streams("erin")[0].Closes(); got != 1 {
		t.Fatalf("stream closes=%d, want 1", got)
	}
}

func TestForcedCloseReplacesPendingBackoff(t *testing.T) {
	h := newHarness(t)
	h.conn.SetStatus(transport.StatusDisconnected, transport.DisconnectReason{CloseCode: 4006})
	if got := h.clock.live(); got != 1 {
		t.Fatalf("pending timers=%d, want 1", got)
	}

	h.conn.SetStatus(transport.StatusDisconnected, transport.DisconnectReason{CloseCode: 4014})
	if got := h.clock.live(); got != 1 {
		t.Fatalf("pending timers=%d, want 1", got)
	}
	if got := h.clock.fire(t); got != 5*time.Second {
		t.Fatalf("delay=%v, want recovery window 5s", got)
	}
	if got := h.conn.Rejoins(); got != 0 {
		t.Fatalf("rejoins=%d, want 0", got)
	}
	if got := h.conn.Destroys(); got != 1 {
		t.Fatalf("destroys=%d, want 1", got)
	}
}

func TestDisconnectDuringRecoveryWindowIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	h.conn.SetStatus(transport.StatusDisconnected, transport.DisconnectReason{CloseCode: 4014})
	h.conn.SetStatus(transport.StatusDisconnected, transport.DisconnectReason{CloseCode: 4006})
	h.conn.SetStatus(transport.StatusDisconnected, transport.DisconnectReason{CloseCode: 4014})
	if got := h.clock.live(); got != 1 {
		t.Fatalf("pending timers=%d, want 1", got)
	}
	if got := h.sup.RejoinAttempts(); got != 0 {
		t.Fatalf("rejoin attempts=%d, want 0", got)
	}
}

func TestLeaveCleansUpOnce(t *testing.T) {
	h := newHarness(t)
	terminated := 0
	h.sup.OnTerminated(func() { terminated++ })

	h.conn.StartSpeaking("frank")
	h.conn.StartSpeaking("grace")
	h.conn.Streams("frank")[0].PanicOnClose()

	h.sup.Leave()
	h.sup.Leave()

	for _, id := range []string{"frank", "grace"} {
		if got := h.conn.Streams(id)[0].Closes(); got != 1 {
			t.Fatalf("%s closes=%d, want 1", id, got)
		}
	}
	if got := h.conn.ListenerCount(); got != 0 {
		t.Fatalf("connection listeners=%d, want 0", got)
	}
	if _, d := h.agent.counts(); d != 1 {
		t.Fatalf("agent disconnects=%d, want 1", d)
	}
	if terminated != 1 {
		t.Fatalf("terminated callbacks=%d, want 1", terminated)
	}
	if got := h.sup.State(); got != transport.StatusDestroyed {
		t.Fatalf("state=%s, want destroyed", got)
	}

	h.conn.StartSpeaking("heidi")
	if got := len(h.conn.Streams("heidi")); got != 0 {
		t.Fatalf("subscriptions after leave=%d, want 0", got)
	}
}

func TestTransportDestroyTriggersCleanup(t *testing.T) {
	h := newHarness(t)
	h.conn.StartSpeaking("ivan")
	h.conn.SetStatus(transport.StatusDestroyed, transport.DisconnectReason{})
	if !h.sup.Terminated() {
		t.Fatal("supervisor not terminated")
	}
	if got := h.conn.Streams("ivan")[0].Closes(); got != 1 {
		t.Fatalf("closes=%d, want 1", got)
	}
}

func TestPolicyBackoff(t *testing.T) {
	p := DefaultPolicy()
	for n, want := range map[int]time.Duration{1: 5 * time.Second, 3: 15 * time.Second, 5: 25 * time.Second} {
		if got := p.Backoff(n); got != want {
			t.Fatalf("Backoff(%d)=%v, want %v", n, got, want)
		}
	}
	if got := (Policy{}).withDefaults(); got != p {
		t.Fatalf("withDefaults()=%+v, want %+v", got, p)
	}
}
