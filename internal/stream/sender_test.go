package stream

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/saker-ai/tts-streamer/internal/registry"
)

type manualTimer struct {
	sched   *manualScheduler
	delay   time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	wasLive := !t.stopped
	t.stopped = true
	return wasLive
}

// manualScheduler queues ticks until the test fires them.
type manualScheduler struct {
	mu    sync.Mutex
	queue []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{sched: s, delay: d, f: f}
	s.queue = append(s.queue, timer)
	return timer
}

// step fires the oldest live timer and returns its delay.
func (s *manualScheduler) step() (time.Duration, bool) {
	s.mu.Lock()
	for len(s.queue) > 0 {
		timer := s.queue[0]
		s.queue = s.queue[1:]
		if timer.stopped {
			continue
		}
		timer.stopped = true
		s.mu.Unlock()
		timer.f()
		return timer.delay, true
	}
	s.mu.Unlock()
	return 0, false
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, timer := range s.queue {
		if !timer.stopped {
			n++
		}
	}
	return n
}

// recordingTransport completes every send synchronously.
type recordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
	fail   func(frame []byte) error
}

func (t *recordingTransport) Send(frame []byte, done func(error)) {
	t.mu.Lock()
	t.frames = append(t.frames, append([]byte(nil), frame...))
	fail := t.fail
	t.mu.Unlock()
	var err error
	if fail != nil {
		err = fail(frame)
	}
	done(err)
}

func (t *recordingTransport) sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.frames...)
}

// heldTransport parks completions so a test can interleave calls.
type heldTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	pending []func(error)
}

func (t *heldTransport) Send(frame []byte, done func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, append([]byte(nil), frame...))
	t.pending = append(t.pending, done)
}

func (t *heldTransport) release(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, done := range pending {
		done(err)
	}
}

type senderFixture struct {
	sched     *manualScheduler
	transport *recordingTransport
	reg       *registry.Memory
	sender    *Sender
}

func newSenderFixture(t *testing.T, opts Options) *senderFixture {
	t.Helper()
	reg := registry.NewMemory()
	if err := reg.Register(context.Background(), "dev"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	sched := &manualScheduler{}
	transport := &recordingTransport{}
	opts.Scheduler = sched
	return &senderFixture{
		sched:     sched,
		transport: transport,
		reg:       reg,
		sender:    NewSender("dev", transport, reg, opts, nil),
	}
}

// drain fires ticks until the loop stops scheduling or limit is hit.
func (f *senderFixture) drain(limit int) int {
	n := 0
	for n < limit {
		if _, ok := f.sched.step(); !ok {
			break
		}
		n++
	}
	return n
}

func TestSenderStreamsChunksThenMarker(t *testing.T) {
	f := newSenderFixture(t, Options{})
	ended := 0
	done := f.sender.StartSend("4821", func() { ended++ })

	audio := make([]byte, 50000)
	for i := range audio {
		audio[i] = byte(i%200) + 1
	}
	f.sender.Append(audio)
	f.sender.Append(MarkerSessionEnd.Bytes())

	f.drain(100)

	frames := f.transport.sent()
	if len(frames) != 8 {
		t.Fatalf("frames=%d, want 8", len(frames))
	}
	wantSizes := []int{8192, 8192, 8192, 8192, 8192, 8192, 848}
	var payload []byte
	for i, size := range wantSizes {
		frame := frames[i]
		if !bytes.HasPrefix(frame, []byte("4821")) {
			t.Fatalf("frame %d missing session prefix: %q", i, frame[:4])
		}
		if len(frame)-4 != size {
			t.Fatalf("frame %d payload=%d, want %d", i, len(frame)-4, size)
		}
		payload = append(payload, frame[4:]...)
	}
	if !bytes.Equal(payload, audio) {
		t.Fatal("payload frames do not reassemble the audio")
	}
	if string(frames[7]) != "2001" {
		t.Fatalf("marker frame=%q, want 2001", frames[7])
	}

	select {
	case <-done.Done():
	default:
		t.Fatal("completion not resolved")
	}
	if err := done.Err(); err != nil {
		t.Fatalf("completion err=%v, want nil", err)
	}
	if ended != 1 {
		t.Fatalf("onEnd calls=%d, want 1", ended)
	}
	if f.sender.State() != StateSessionEnded {
		t.Fatalf("state=%s, want session_ended", f.sender.State())
	}
	stats := done.Stats()
	if stats.Frames != 8 || stats.PayloadBytes != 50000 || stats.Marker != "session_end" {
		t.Fatalf("stats=%+v", stats)
	}
	if f.sched.pending() != 0 {
		t.Fatalf("pending ticks=%d after session end, want 0", f.sched.pending())
	}
}

func TestSenderMarkerOnlyChunk(t *testing.T) {
	f := newSenderFixture(t, Options{})
	done := f.sender.StartSend("", nil)
	f.sender.Append(MarkerSessionEndAligned.Bytes())
	f.drain(10)

	frames := f.transport.sent()
	if len(frames) != 2 {
		t.Fatalf("frames=%d, want 2", len(frames))
	}
	if string(frames[0]) != "0000" {
		t.Fatalf("payload frame=%q, want default prefix only", frames[0])
	}
	if string(frames[1]) != "2000" {
		t.Fatalf("marker frame=%q, want 2000", frames[1])
	}
	if done.Err() != nil {
		t.Fatalf("err=%v, want nil", done.Err())
	}
}

func TestSenderChunkEndContinues(t *testing.T) {
	var chunkEnds []string
	f := newSenderFixture(t, Options{OnChunkEnd: func(id string) { chunkEnds = append(chunkEnds, id) }})
	ended := 0
	done := f.sender.StartSend("1234", func() { ended++ })

	f.sender.Append([]byte("seg1"))
	f.sender.Append(MarkerChunkEnd.Bytes())
	f.sched.step()
	if len(chunkEnds) != 1 || chunkEnds[0] != "1234" {
		t.Fatalf("chunk ends=%v, want [1234]", chunkEnds)
	}
	if !f.sender.State().Active() {
		t.Fatalf("state=%s after chunk end, want active", f.sender.State())
	}
	if ended != 0 {
		t.Fatal("onEnd fired on chunk end")
	}

	f.sender.Append([]byte("seg2"))
	f.sender.Append(MarkerSessionEnd.Bytes())
	f.drain(10)

	frames := f.transport.sent()
	want := []string{"1234seg1", "2002", "1234seg2", "2001"}
	if len(frames) != len(want) {
		t.Fatalf("frames=%q, want %q", frames, want)
	}
	for i := range want {
		if string(frames[i]) != want[i] {
			t.Fatalf("frame %d=%q, want %q", i, frames[i], want[i])
		}
	}
	if ended != 1 || done.Err() != nil {
		t.Fatalf("ended=%d err=%v", ended, done.Err())
	}
	if done.Stats().ChunkEnds != 1 {
		t.Fatalf("chunk ends=%d, want 1", done.Stats().ChunkEnds)
	}
}

func TestSenderStaleSessionDefers(t *testing.T) {
	f := newSenderFixture(t, Options{})
	ctx := context.Background()
	f.sender.StartSend("1111", nil)
	f.sender.Append(make([]byte, 10))
	if err := f.reg.SetSession(ctx, "dev", "2222", "task"); err != nil {
		t.Fatalf("SetSession error: %v", err)
	}

	delay, _ := f.sched.step()
	if delay != 0 {
		t.Fatalf("first tick delay=%v, want 0", delay)
	}
	if n := len(f.transport.sent()); n != 0 {
		t.Fatalf("frames=%d, want 0", n)
	}
	if st := f.sender.State(); st != StatePolling {
		t.Fatalf("state=%s, want polling", st)
	}

	// Stale ticks do not count toward the idle limit.
	for i := 0; i < 30; i++ {
		f.sched.step()
	}
	if st := f.sender.State(); st != StatePolling {
		t.Fatalf("state=%s after stale ticks, want polling", st)
	}

	if err := f.reg.SetSession(ctx, "dev", "1111", "task"); err != nil {
		t.Fatalf("SetSession error: %v", err)
	}
	f.sched.step()
	if n := len(f.transport.sent()); n != 1 {
		t.Fatalf("frames=%d after session matched, want 1", n)
	}
}

func TestSenderCongestionGate(t *testing.T) {
	f := newSenderFixture(t, Options{GateInterval: 5 * time.Millisecond, PollInterval: 100 * time.Millisecond})
	ctx := context.Background()
	if err := f.reg.UpdateAvailable(ctx, "dev", 25000); err != nil {
		t.Fatalf("UpdateAvailable error: %v", err)
	}
	f.sender.StartSend("1000", nil)
	f.sender.Append([]byte("data"))

	f.sched.step()
	if f.sender.State() != StateGated {
		t.Fatalf("state=%s, want gated", f.sender.State())
	}
	delay, _ := f.sched.step()
	if delay != 5*time.Millisecond {
		t.Fatalf("gated tick delay=%v, want 5ms", delay)
	}
	if n := len(f.transport.sent()); n != 0 {
		t.Fatalf("frames=%d while congested, want 0", n)
	}

	if err := f.reg.UpdateAvailable(ctx, "dev", 20480); err != nil {
		t.Fatalf("UpdateAvailable error: %v", err)
	}
	f.sched.step()
	if n := len(f.transport.sent()); n != 1 {
		t.Fatalf("frames=%d at ceiling, want 1", n)
	}
}

func TestSenderAbsentDeviceDefers(t *testing.T) {
	f := newSenderFixture(t, Options{})
	if err := f.reg.Remove(context.Background(), "dev"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	f.sender.StartSend("1000", nil)
	f.sender.Append([]byte("data"))
	for i := 0; i < 25; i++ {
		f.sched.step()
	}
	if n := len(f.transport.sent()); n != 0 {
		t.Fatalf("frames=%d, want 0", n)
	}
	if st := f.sender.State(); st != StatePolling {
		t.Fatalf("state=%s, want polling", st)
	}
}

func TestSenderIdleTimeout(t *testing.T) {
	f := newSenderFixture(t, Options{})
	ended := 0
	done := f.sender.StartSend("1000", func() { ended++ })

	for i := 1; i < 20; i++ {
		if _, ok := f.sched.step(); !ok {
			t.Fatalf("loop stopped after %d polls", i-1)
		}
		if st := f.sender.State(); st != StatePolling {
			t.Fatalf("poll %d state=%s, want polling", i, st)
		}
	}
	f.sched.step()
	if st := f.sender.State(); st != StateStopped {
		t.Fatalf("state=%s after 20 polls, want stopped", st)
	}
	if !errors.Is(done.Err(), ErrIdleTimeout) {
		t.Fatalf("err=%v, want ErrIdleTimeout", done.Err())
	}
	if ended != 0 {
		t.Fatal("onEnd fired on idle timeout")
	}
	if f.sched.pending() != 0 {
		t.Fatal("tick still scheduled after idle timeout")
	}
}

func TestSenderIdleCounterResetsOnData(t *testing.T) {
	f := newSenderFixture(t, Options{MaxIdlePolls: 3})
	done := f.sender.StartSend("1000", nil)
	f.sched.step()
	f.sched.step()
	f.sender.Append([]byte("abcd-payload"))
	f.sched.step()
	f.sched.step()
	f.sched.step()
	if f.sender.State().Terminal() {
		t.Fatalf("state=%s, idle counter not reset", f.sender.State())
	}
	f.sched.step()
	if !errors.Is(done.Err(), ErrIdleTimeout) {
		t.Fatalf("err=%v, want ErrIdleTimeout", done.Err())
	}
}

func TestSenderStopAndRestart(t *testing.T) {
	f := newSenderFixture(t, Options{})
	ended := 0
	first := f.sender.StartSend("1111", func() { ended++ })
	f.sender.Append(make([]byte, 20000))
	f.sched.step()
	if n := len(f.transport.sent()); n != 1 {
		t.Fatalf("frames=%d, want 1", n)
	}

	f.sender.Stop()
	f.sender.Stop()
	if st := f.sender.State(); st != StateStopped {
		t.Fatalf("state=%s, want stopped", st)
	}
	if f.sender.Status().Buffered != 0 {
		t.Fatal("buffer not cleared by Stop")
	}
	if !errors.Is(first.Err(), ErrStopped) {
		t.Fatalf("err=%v, want ErrStopped", first.Err())
	}
	if f.drain(10) != 0 {
		t.Fatal("tick fired after Stop")
	}
	if ended != 0 {
		t.Fatal("onEnd fired on Stop")
	}

	second := f.sender.StartSend("2222", nil)
	f.sender.Append([]byte("fresh"))
	f.sender.Append(MarkerSessionEnd.Bytes())
	f.drain(10)
	frames := f.transport.sent()
	if len(frames) != 3 {
		t.Fatalf("frames=%d, want 3", len(frames))
	}
	if string(frames[1]) != "2222fresh" || string(frames[2]) != "2001" {
		t.Fatalf("frames after restart=%q", frames[1:])
	}
	if second.Err() != nil {
		t.Fatalf("second err=%v", second.Err())
	}
}

func TestSenderStartSendSupersedes(t *testing.T) {
	f := newSenderFixture(t, Options{})
	first := f.sender.StartSend("1111", nil)
	f.sender.Append([]byte("old audio"))
	second := f.sender.StartSend("2222", nil)

	if !errors.Is(first.Err(), ErrSuperseded) {
		t.Fatalf("first err=%v, want ErrSuperseded", first.Err())
	}
	if f.sender.Status().Buffered != 0 {
		t.Fatal("buffer not cleared by StartSend")
	}
	f.sender.Append(MarkerSessionEnd.Bytes())
	f.drain(10)
	frames := f.transport.sent()
	if len(frames) != 2 || string(frames[0]) != "2222" {
		t.Fatalf("frames=%q", frames)
	}
	if second.Err() != nil {
		t.Fatalf("second err=%v", second.Err())
	}
}

func TestSenderCancelMatchesSession(t *testing.T) {
	f := newSenderFixture(t, Options{})
	first := f.sender.StartSend("1111", nil)
	second := f.sender.StartSend("2222", nil)
	f.sender.Append([]byte("audio"))

	if f.sender.Cancel(first) {
		t.Fatal("Cancel with a superseded completion returned true")
	}
	if f.sender.Cancel(nil) {
		t.Fatal("Cancel(nil) returned true")
	}
	if st := f.sender.State(); st != StateArmed {
		t.Fatalf("state=%s, want armed", st)
	}
	if f.sender.Status().Buffered != 5 {
		t.Fatal("stale Cancel cleared the buffer")
	}

	if !f.sender.Cancel(second) {
		t.Fatal("Cancel with the running completion returned false")
	}
	if !errors.Is(second.Err(), ErrStopped) {
		t.Fatalf("err=%v, want ErrStopped", second.Err())
	}
	if f.drain(10) != 0 {
		t.Fatal("tick fired after Cancel")
	}
}

func TestSenderTransportFailure(t *testing.T) {
	var reported []error
	f := newSenderFixture(t, Options{OnError: func(err error) { reported = append(reported, err) }})
	boom := errors.New("socket closed")
	f.transport.fail = func(frame []byte) error {
		if string(frame) == "2001" {
			return nil
		}
		return boom
	}
	done := f.sender.StartSend("1000", nil)
	f.sender.Append([]byte("payload"))
	f.sender.Append(MarkerSessionEnd.Bytes())
	f.drain(10)

	if len(reported) != 1 || !errors.Is(reported[0], boom) {
		t.Fatalf("reported=%v, want one wrapped failure", reported)
	}
	if n := len(f.transport.sent()); n != 2 {
		t.Fatalf("frames=%d, want payload and marker", n)
	}
	if done.Err() != nil {
		t.Fatalf("err=%v, want nil", done.Err())
	}
}

func TestSenderTerminalMarkerFailure(t *testing.T) {
	f := newSenderFixture(t, Options{})
	boom := errors.New("write timeout")
	f.transport.fail = func(frame []byte) error {
		if string(frame) == "2001" {
			return boom
		}
		return nil
	}
	ended := 0
	done := f.sender.StartSend("1000", func() { ended++ })
	f.sender.Append([]byte("payload2001"))
	f.drain(10)

	if !errors.Is(done.Err(), boom) {
		t.Fatalf("err=%v, want wrapped write timeout", done.Err())
	}
	if OutcomeOf(done.Err()) != OutcomeFailed {
		t.Fatalf("outcome=%s, want failed", OutcomeOf(done.Err()))
	}
	if ended != 0 {
		t.Fatal("onEnd fired after failed marker")
	}
	if f.sender.State() != StateStopped {
		t.Fatalf("state=%s, want stopped", f.sender.State())
	}
}

func TestSenderStopBetweenPayloadAndMarker(t *testing.T) {
	reg := registry.NewMemory()
	_ = reg.Register(context.Background(), "dev")
	sched := &manualScheduler{}
	transport := &heldTransport{}
	sender := NewSender("dev", transport, reg, Options{Scheduler: sched}, nil)

	done := sender.StartSend("1000", nil)
	sender.Append([]byte("tail2001"))
	sched.step()
	if sender.State() != StateSending {
		t.Fatalf("state=%s, want sending", sender.State())
	}
	sender.Stop()
	transport.release(nil)

	if len(transport.frames) != 1 {
		t.Fatalf("frames=%d, want only the in-flight payload", len(transport.frames))
	}
	if !errors.Is(done.Err(), ErrStopped) {
		t.Fatalf("err=%v, want ErrStopped", done.Err())
	}
	if sched.pending() != 0 {
		t.Fatal("tick scheduled after Stop")
	}
}

func TestSenderPayloadCollisionPreserved(t *testing.T) {
	f := newSenderFixture(t, Options{MaxChunkSize: 16})
	f.sender.StartSend("1000", nil)
	f.sender.Append([]byte("aa2001bbccddeeff"))
	f.sched.step()
	frames := f.transport.sent()
	if len(frames) != 1 || string(frames[0]) != "1000aa2001bbccddeeff" {
		t.Fatalf("frames=%q, want embedded marker bytes kept as payload", frames)
	}
}

// Ordinary audio whose chunk tail equals a marker value is indistinguishable
// from a real boundary: the tail is sent as a marker and the session ends.
func TestSenderPayloadTailCollisionEndsSession(t *testing.T) {
	f := newSenderFixture(t, Options{MaxChunkSize: 8})
	done := f.sender.StartSend("1000", nil)
	f.sender.Append([]byte("aaaa2001bbbbcccc"))
	f.drain(10)

	frames := f.transport.sent()
	if len(frames) != 2 || string(frames[0]) != "1000aaaa" || string(frames[1]) != "2001" {
		t.Fatalf("frames=%q, want [1000aaaa 2001]", frames)
	}
	if err := done.Err(); err != nil {
		t.Fatalf("err=%v, want nil", err)
	}
	status := f.sender.Status()
	if status.State != StateSessionEnded {
		t.Fatalf("state=%s, want %s", status.State, StateSessionEnded)
	}
	if status.Buffered != 8 {
		t.Fatalf("buffered=%d, want 8 left behind", status.Buffered)
	}

	f.sender.StartSend("1001", nil)
	if got := f.sender.Status().Buffered; got != 0 {
		t.Fatalf("buffered after StartSend=%d, want 0", got)
	}
	f.sender.Append([]byte("zz"))
	f.drain(1)
	frames = f.transport.sent()
	if last := frames[len(frames)-1]; string(last) != "1001zz" {
		t.Fatalf("last frame=%q, want 1001zz", last)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	frames   int
	deferred map[string]int
	finished []Outcome
}

func (o *countingObserver) FrameSent(string, int, Marker) {
	o.mu.Lock()
	o.frames++
	o.mu.Unlock()
}

func (o *countingObserver) TickDeferred(_ string, reason string) {
	o.mu.Lock()
	if o.deferred == nil {
		o.deferred = make(map[string]int)
	}
	o.deferred[reason]++
	o.mu.Unlock()
}

func (o *countingObserver) SendFailed(string, error) {}

func (o *countingObserver) SessionFinished(_ string, outcome Outcome, _ SessionStats) {
	o.mu.Lock()
	o.finished = append(o.finished, outcome)
	o.mu.Unlock()
}

func TestSenderObserver(t *testing.T) {
	obs := &countingObserver{}
	f := newSenderFixture(t, Options{Observer: obs})
	_ = f.reg.UpdateAvailable(context.Background(), "dev", 30000)
	f.sender.StartSend("1000", nil)
	f.sender.Append([]byte("x2000"))
	f.sched.step()
	_ = f.reg.UpdateAvailable(context.Background(), "dev", 0)
	f.drain(10)

	if obs.deferred[DeferCongested] != 1 {
		t.Fatalf("deferred=%v, want one congested", obs.deferred)
	}
	if obs.frames != 2 {
		t.Fatalf("frames=%d, want 2", obs.frames)
	}
	if len(obs.finished) != 1 || obs.finished[0] != OutcomeCompleted {
		t.Fatalf("finished=%v", obs.finished)
	}
}

func TestSenderWithClockScheduler(t *testing.T) {
	reg := registry.NewMemory()
	_ = reg.Register(context.Background(), "dev")
	transport := &recordingTransport{}
	sender := NewSender("dev", transport, reg, Options{PollInterval: time.Millisecond}, nil)

	done := sender.StartSend("1000", nil)
	sender.Append(make([]byte, 30000))
	sender.Append(MarkerSessionEnd.Bytes())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := done.Wait(ctx); err != nil {
		t.Fatalf("Wait error: %v", err)
	}
	if n := len(transport.sent()); n != 5 {
		t.Fatalf("frames=%d, want 5", n)
	}
}
