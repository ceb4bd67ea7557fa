package googlespeech

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/interviewlift/liftd/pkg/provider/stt"
)

// ─── test doubles ───

type recvResult struct {
	trs []stt.Transcript
	err error
}

type fakeStream struct {
	mu      sync.Mutex
	sent    [][]byte
	results chan recvResult
	done    chan struct{}
	closeMu sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		results: make(chan recvResult, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeStream) send(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeStream) recv() ([]stt.Transcript, error) {
	select {
	case r := <-f.results:
		return r.trs, r.err
	case <-f.done:
		return nil, io.EOF
	}
}

func (f *fakeStream) close() error {
	f.closeMu.Do(func() { close(f.done) })
	return nil
}

func (f *fakeStream) sentChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeStream) pushTranscript(text string, final bool) {
	f.results <- recvResult{trs: []stt.Transcript{{Text: text, IsFinal: final}}}
}

func (f *fakeStream) pushErr(err error) {
	f.results <- recvResult{err: err}
}

type fakeDialer struct {
	mu       sync.Mutex
	dialErrs []error // consumed in order; nil entry means success
	versions []APIVersion
	streams  []*fakeStream
}

func (d *fakeDialer) dial(_ context.Context, version APIVersion) (stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.versions = append(d.versions, version)
	if len(d.dialErrs) > 0 {
		err := d.dialErrs[0]
		d.dialErrs = d.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	s := newFakeStream()
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.versions)
}

func (d *fakeDialer) dialVersions() []APIVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]APIVersion, len(d.versions))
	copy(out, d.versions)
	return out
}

func (d *fakeDialer) stream(i int) *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.streams) {
		return nil
	}
	return d.streams[i]
}

// ─── helpers ───

func testConfig() Config {
	return Config{
		Restart: RestartPolicy{
			BaseDelay:       time.Millisecond,
			MaxDelay:        5 * time.Millisecond,
			GraceRestarts:   3,
			StabilityWindow: time.Minute,
			SessionMaxAge:   time.Hour,
		},
		BridgeChunks: 4,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitEvent(t *testing.T, r *Recognizer, typ stt.EventType) stt.Event {
	t.Helper()
	for {
		select {
		case e := <-r.Events():
			if e.Type == typ {
				return e
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event type %v", typ)
		}
	}
}

// ─── tests ───

func TestRestartPolicyDelay(t *testing.T) {
	p := RestartPolicy{}.withDefaults()

	tests := []struct {
		name string
		n    int
		want time.Duration
	}{
		{"first restart", 1, 100 * time.Millisecond},
		{"second restart", 2, 100 * time.Millisecond},
		{"third restart", 3, 100 * time.Millisecond},
		{"fourth doubles", 4, 200 * time.Millisecond},
		{"fifth doubles again", 5, 400 * time.Millisecond},
		{"seventh", 7, 1600 * time.Millisecond},
		{"ninth capped", 9, 5 * time.Second},
		{"far past cap", 40, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.n); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
}

func TestStartEmitsReadyAndForwardsAudio(t *testing.T) {
	d := &fakeDialer{}
	r := newWithDialer(testConfig(), d)
	defer r.Stop()

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)

	r.ProcessChunk([]byte("audio-1"))
	s := d.stream(0)
	waitFor(t, "chunk forwarded", func() bool { return len(s.sentChunks()) == 1 })

	s.pushTranscript("hello there", true)
	e := waitEvent(t, r, stt.EventTranscript)
	if e.Transcript.Text != "hello there" || !e.Transcript.IsFinal {
		t.Errorf("got transcript %+v", e.Transcript)
	}
}

func TestStartIdempotent(t *testing.T) {
	d := &fakeDialer{}
	r := newWithDialer(testConfig(), d)
	defer r.Stop()

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)
	if err := r.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestStopIdempotent(t *testing.T) {
	d := &fakeDialer{}
	r := newWithDialer(testConfig(), d)

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestProcessChunkBeforeReadyIsSafe(t *testing.T) {
	d := &fakeDialer{}
	r := newWithDialer(testConfig(), d)

	// Not started at all: must not panic, must not dial.
	r.ProcessChunk([]byte("early"))
	r.ProcessChunk(nil)
	if d.dialCount() != 0 {
		t.Errorf("unexpected dial")
	}
}

func TestStructuralDialErrorFallsBackToV1(t *testing.T) {
	fallbacks := make(chan struct{}, 4)
	cfg := testConfig()
	cfg.Hooks.OnFallback = func() { fallbacks <- struct{}{} }

	d := &fakeDialer{dialErrs: []error{
		status.Error(codes.PermissionDenied, "v2 api not enabled"),
	}}
	r := newWithDialer(cfg, d)
	defer r.Stop()

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)

	if got := d.dialVersions(); len(got) != 2 || got[0] != APIv2 || got[1] != APIv1 {
		t.Fatalf("dial versions = %v, want [v2 v1]", got)
	}
	if r.Version() != APIv1 {
		t.Errorf("version = %v, want v1", r.Version())
	}
	select {
	case <-fallbacks:
	default:
		t.Error("fallback hook not invoked")
	}
}

func TestFallbackIsStickyAcrossRestarts(t *testing.T) {
	d := &fakeDialer{dialErrs: []error{
		status.Error(codes.Unimplemented, "streaming v2 not available"),
	}}
	r := newWithDialer(testConfig(), d)
	defer r.Stop()

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)

	// Transient failure on the demoted session must restart on v1, never
	// probe v2 again.
	d.stream(0).pushErr(status.Error(codes.Unavailable, "connection reset"))
	waitEvent(t, r, stt.EventReady)

	versions := d.dialVersions()
	if len(versions) != 3 {
		t.Fatalf("dial versions = %v, want 3 dials", versions)
	}
	if versions[1] != APIv1 || versions[2] != APIv1 {
		t.Errorf("restart probed wrong version: %v", versions)
	}
}

func TestStructuralStreamErrorFallsBack(t *testing.T) {
	d := &fakeDialer{}
	r := newWithDialer(testConfig(), d)
	defer r.Stop()

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)

	// Mid-stream structural error: demote and redial without backoff.
	d.stream(0).pushErr(status.Error(codes.Unauthenticated, "token rejected"))
	waitEvent(t, r, stt.EventReady)

	versions := d.dialVersions()
	if len(versions) != 2 || versions[1] != APIv1 {
		t.Fatalf("dial versions = %v, want [v2 v1]", versions)
	}
}

func TestTransientErrorRestartsSameVersion(t *testing.T) {
	restarts := make(chan string, 4)
	cfg := testConfig()
	cfg.Hooks.OnRestart = func(reason string) { restarts <- reason }

	d := &fakeDialer{}
	r := newWithDialer(cfg, d)
	defer r.Stop()

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)

	d.stream(0).pushErr(status.Error(codes.DeadlineExceeded, "stream timed out"))
	waitEvent(t, r, stt.EventReady)

	versions := d.dialVersions()
	if len(versions) != 2 || versions[1] != APIv2 {
		t.Fatalf("dial versions = %v, want v2 restart", versions)
	}
	select {
	case reason := <-restarts:
		if reason != "timeout" {
			t.Errorf("restart reason = %q, want timeout", reason)
		}
	case <-time.After(time.Second):
		t.Error("restart hook not invoked")
	}
}

func TestBridgeReplaysRecentAudioAfterRestart(t *testing.T) {
	d := &fakeDialer{}
	r := newWithDialer(testConfig(), d)
	defer r.Stop()

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)

	r.ProcessChunk([]byte("chunk-a"))
	r.ProcessChunk([]byte("chunk-b"))
	waitFor(t, "chunks sent", func() bool { return len(d.stream(0).sentChunks()) == 2 })

	d.stream(0).pushErr(errors.New("read: connection reset by peer"))
	waitEvent(t, r, stt.EventReady)

	s2 := d.stream(1)
	waitFor(t, "bridge replay", func() bool { return len(s2.sentChunks()) >= 2 })
	sent := s2.sentChunks()
	if string(sent[0]) != "chunk-a" || string(sent[1]) != "chunk-b" {
		t.Errorf("replayed %q, %q; want chunk-a, chunk-b", sent[0], sent[1])
	}
}

func TestBridgeRingDropsOldestBeyondCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.BridgeChunks = 2
	d := &fakeDialer{}
	r := newWithDialer(cfg, d)
	defer r.Stop()

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)

	for _, c := range []string{"one", "two", "three"} {
		r.ProcessChunk([]byte(c))
	}
	waitFor(t, "chunks sent", func() bool { return len(d.stream(0).sentChunks()) == 3 })

	d.stream(0).pushErr(errors.New("broken pipe"))
	waitEvent(t, r, stt.EventReady)

	s2 := d.stream(1)
	waitFor(t, "bridge replay", func() bool { return len(s2.sentChunks()) >= 2 })
	sent := s2.sentChunks()
	if string(sent[0]) != "two" || string(sent[1]) != "three" {
		t.Errorf("replayed %q, %q; want the two most recent chunks", sent[0], sent[1])
	}
}

func TestSessionMaxAgeRollsOverOnNextEvent(t *testing.T) {
	restarts := make(chan string, 4)
	cfg := testConfig()
	cfg.Restart.SessionMaxAge = time.Nanosecond
	cfg.Hooks.OnRestart = func(reason string) { restarts <- reason }

	d := &fakeDialer{}
	r := newWithDialer(cfg, d)
	defer r.Stop()

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)

	// The aged session still delivers its pending result before rolling.
	d.stream(0).pushTranscript("last words", true)
	e := waitEvent(t, r, stt.EventTranscript)
	if e.Transcript.Text != "last words" {
		t.Errorf("transcript %q lost during rollover", e.Transcript.Text)
	}

	select {
	case reason := <-restarts:
		if reason != "session-age" {
			t.Errorf("restart reason = %q, want session-age", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("aged session never rolled over")
	}
	waitEvent(t, r, stt.EventReady)
}

func TestStabilityWindowResetsRestartCounter(t *testing.T) {
	cfg := testConfig()
	cfg.Restart.StabilityWindow = 50 * time.Millisecond
	d := &fakeDialer{}
	r := newWithDialer(cfg, d)
	defer r.Stop()

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)

	for i := 0; i < 5; i++ {
		d.stream(i).pushErr(errors.New("flaky link"))
		waitEvent(t, r, stt.EventReady)
	}
	r.mu.Lock()
	beyond := r.restartCount > cfg.Restart.GraceRestarts
	r.mu.Unlock()
	if !beyond {
		t.Fatal("restart counter never exceeded the grace budget")
	}

	// A quiet period longer than the stability window clears the counter on
	// the next restart.
	time.Sleep(100 * time.Millisecond)
	d.stream(5).pushErr(errors.New("flaky link"))
	waitEvent(t, r, stt.EventReady)

	r.mu.Lock()
	count := r.restartCount
	r.mu.Unlock()
	if count != 1 {
		t.Errorf("restart count after stable period = %d, want 1", count)
	}
}

func TestStopResetsVersionForNextSession(t *testing.T) {
	d := &fakeDialer{dialErrs: []error{
		status.Error(codes.PermissionDenied, "v2 api not enabled"),
	}}
	r := newWithDialer(testConfig(), d)

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)
	if r.Version() != APIv1 {
		t.Fatalf("expected demotion to v1")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A fresh session starts optimistic again.
	if err := r.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer r.Stop()
	waitEvent(t, r, stt.EventReady)
	versions := d.dialVersions()
	if versions[len(versions)-1] != APIv2 {
		t.Errorf("fresh session dialed %v, want v2", versions[len(versions)-1])
	}
}

func TestIsStructural(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"permission denied", status.Error(codes.PermissionDenied, "nope"), true},
		{"unauthenticated", status.Error(codes.Unauthenticated, "bad token"), true},
		{"unimplemented", status.Error(codes.Unimplemented, "no such method"), true},
		{"not found", status.Error(codes.NotFound, "recognizer missing"), true},
		{"textual not-available", errors.New("speech v2 is not available in this region"), true},
		{"api not enabled", errors.New("Cloud Speech API has not been used in project x"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "too slow"), false},
		{"unavailable", status.Error(codes.Unavailable, "try again"), false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isStructural(tt.err); got != tt.want {
				t.Errorf("isStructural(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type trackingTimers struct {
	mu      sync.Mutex
	armed   int
	stopped int
}

func (tt *trackingTimers) AfterFunc(d time.Duration, fn func()) *time.Timer {
	tt.mu.Lock()
	tt.armed++
	tt.mu.Unlock()
	return time.AfterFunc(d, fn)
}

func (tt *trackingTimers) StopTimer(timer *time.Timer) {
	tt.mu.Lock()
	tt.stopped++
	tt.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (tt *trackingTimers) counts() (armed, stopped int) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.armed, tt.stopped
}

func TestRestartTimerRoutedThroughOwner(t *testing.T) {
	tim := &trackingTimers{}
	cfg := testConfig()
	cfg.Restart.BaseDelay = time.Hour
	cfg.Restart.MaxDelay = time.Hour
	cfg.Timers = tim

	d := &fakeDialer{}
	r := newWithDialer(cfg, d)
	defer r.Stop()

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEvent(t, r, stt.EventReady)

	d.stream(0).pushErr(status.Error(codes.DeadlineExceeded, "stream timed out"))
	waitFor(t, "restart timer armed", func() bool {
		armed, _ := tim.counts()
		return armed == 1
	})

	r.Stop()
	if _, stopped := tim.counts(); stopped == 0 {
		t.Error("pending restart timer was not released on stop")
	}
}
