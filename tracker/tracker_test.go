package tracker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/clip-scout/transcript"
)

type fakeStore struct {
	mu       sync.Mutex
	err      error
	upserted []*transcript.Stream
}

func (f *fakeStore) UpsertStream(_ context.Context, _ string, s *transcript.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.upserted = append(f.upserted, s.Clone())
	return nil
}

func (f *fakeStore) streams() []*transcript.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transcript.Stream(nil), f.upserted...)
}

type fakeOracle struct {
	mu     sync.Mutex
	sample Sample
	err    error
}

func (f *fakeOracle) set(s Sample) { f.mu.Lock(); f.sample = s; f.mu.Unlock() }

func (f *fakeOracle) CurrentStatus(context.Context) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sample, f.err
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T) (*Tracker, *fakeStore, *fakeClock) {
	t.Helper()
	store := &fakeStore{}
	clock := newFakeClock()
	tr := New("somestreamer", &fakeOracle{}, store, WithClock(clock.now))
	return tr, store, clock
}

func TestInitialStateIsPrestream(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	st := tr.CurrentStatus()
	if st.Live {
		t.Error("new tracker should start offline")
	}
	if st.StreamID != "PRESTREAM_post" {
		t.Errorf("initial stream id = %q, want PRESTREAM_post", st.StreamID)
	}
	if st.Game != transcript.Offline {
		t.Errorf("initial game = %q, want %q", st.Game, transcript.Offline)
	}
}

func TestSteadyStateSampleIsNoop(t *testing.T) {
	tr, store, clock := newTestTracker(t)
	ctx := context.Background()
	if err := tr.HandleSample(ctx, Sample{Game: transcript.Offline}); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}
	clock.advance(time.Minute)
	if err := tr.HandleSample(ctx, Sample{Game: transcript.Offline}); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}
	st := tr.CurrentStatus()
	if st.Segments != 0 {
		t.Errorf("closed segments = %d, want 0 after no-op samples", st.Segments)
	}
	if len(store.streams()) != 0 {
		t.Errorf("nothing should be persisted, got %d streams", len(store.streams()))
	}
}

func TestGoingLiveSuppressesEmptyPrestream(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	ctx := context.Background()
	if err := tr.HandleSample(ctx, Sample{Game: "GameA", BroadcastID: "111"}); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}
	if got := store.streams(); len(got) != 0 {
		t.Fatalf("empty prestream era must be suppressed, persisted %d streams", len(got))
	}
	st := tr.CurrentStatus()
	if !st.Live || st.StreamID != "111" || st.Game != "GameA" {
		t.Errorf("status after going live = %+v", st)
	}
}

func TestPrestreamChatIsPersisted(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	ctx := context.Background()
	if err := tr.HandleChatMessage("somestreamer", "viewer", "early gang", false); err != nil {
		t.Fatalf("HandleChatMessage() error = %v", err)
	}
	if err := tr.HandleSample(ctx, Sample{Game: "GameA", BroadcastID: "111"}); err != nil {
		t.Fatalf("HandleSample() error = %v", err)
	}
	got := store.streams()
	if len(got) != 1 {
		t.Fatalf("persisted %d streams, want 1", len(got))
	}
	if got[0].ID != "PRESTREAM_post" || got[0].Live {
		t.Errorf("persisted stream = {ID:%q Live:%v}, want offline PRESTREAM_post", got[0].ID, got[0].Live)
	}
	if got[0].MessageCount() != 1 {
		t.Errorf("persisted message count = %d, want 1", got[0].MessageCount())
	}
}

func TestGameChangeClosesSegment(t *testing.T) {
	tr, store, clock := newTestTracker(t)
	mustSample(t, tr, Sample{Game: "GameA", BroadcastID: "111"})
	mustChat(t, tr, "first")
	clock.advance(10 * time.Minute)
	mustSample(t, tr, Sample{Game: "GameB", BroadcastID: "111"})
	mustChat(t, tr, "second")

	st := tr.CurrentStatus()
	if st.StreamID != "111" {
		t.Errorf("stream id = %q, want unchanged 111", st.StreamID)
	}
	if st.Segments != 1 {
		t.Errorf("closed segments = %d, want 1", st.Segments)
	}
	if st.Game != "GameB" {
		t.Errorf("open segment game = %q, want GameB", st.Game)
	}
	if len(store.streams()) != 0 {
		t.Error("game change within a live stream must not persist anything")
	}
}

func TestGoingOfflineFinalizesLiveStream(t *testing.T) {
	tr, store, clock := newTestTracker(t)
	mustSample(t, tr, Sample{Game: "GameA", BroadcastID: "111"})
	mustChat(t, tr, "hello")
	clock.advance(5 * time.Minute)
	mustSample(t, tr, Sample{Game: "GameB", BroadcastID: "111"})
	mustChat(t, tr, "world")
	clock.advance(5 * time.Minute)
	mustSample(t, tr, Sample{Game: transcript.Offline})

	got := store.streams()
	if len(got) != 1 {
		t.Fatalf("persisted %d streams, want 1", len(got))
	}
	s := got[0]
	if s.ID != "111" || !s.Live {
		t.Errorf("persisted stream = {ID:%q Live:%v}, want live 111", s.ID, s.Live)
	}
	if len(s.Segments) != 2 {
		t.Fatalf("persisted segments = %d, want 2", len(s.Segments))
	}
	if s.Segments[0].Game != "GameA" || s.Segments[1].Game != "GameB" {
		t.Errorf("segment games = [%q %q], want [GameA GameB]", s.Segments[0].Game, s.Segments[1].Game)
	}
	if s.MessageCount() != 2 {
		t.Errorf("persisted message count = %d, want 2", s.MessageCount())
	}

	st := tr.CurrentStatus()
	if st.Live || st.StreamID != "111_post" {
		t.Errorf("post-stream status = %+v, want offline 111_post", st)
	}
}

func TestOfflineEraWithChatIsPersisted(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	mustSample(t, tr, Sample{Game: "GameA", BroadcastID: "111"})
	mustSample(t, tr, Sample{Game: transcript.Offline})
	mustChat(t, tr, "great stream")
	mustSample(t, tr, Sample{Game: "GameB", BroadcastID: "222"})

	got := store.streams()
	if len(got) != 2 {
		t.Fatalf("persisted %d streams, want 2 (live era + chatty offline era)", len(got))
	}
	if got[1].ID != "111_post" || got[1].Live {
		t.Errorf("second persisted stream = {ID:%q Live:%v}, want offline 111_post", got[1].ID, got[1].Live)
	}
	if got[1].MessageCount() != 1 {
		t.Errorf("offline era message count = %d, want 1", got[1].MessageCount())
	}
	if st := tr.CurrentStatus(); st.StreamID != "222" {
		t.Errorf("current stream id = %q, want 222", st.StreamID)
	}
}

func TestEmptyOfflineEraSuppressed(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	mustSample(t, tr, Sample{Game: "GameA", BroadcastID: "111"})
	mustChat(t, tr, "hi")
	mustSample(t, tr, Sample{Game: transcript.Offline})
	mustSample(t, tr, Sample{Game: "GameA", BroadcastID: "222"})

	got := store.streams()
	if len(got) != 1 {
		t.Fatalf("persisted %d streams, want only the live era", len(got))
	}
	if got[0].ID != "111" {
		t.Errorf("persisted stream id = %q, want 111", got[0].ID)
	}
}

func TestStreamStartFromOracle(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	started := clock.now().Add(-42 * time.Minute)
	mustSample(t, tr, Sample{Game: "GameA", BroadcastID: "111", StartedAt: started})
	if st := tr.CurrentStatus(); !st.StreamStart.Equal(started) {
		t.Errorf("stream start = %v, want oracle-reported %v", st.StreamStart, started)
	}
}

func TestPlaceholderIDWithoutBroadcastID(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	mustSample(t, tr, Sample{Game: "GameA"})
	want := "live-" + strconv.FormatInt(clock.now().Unix(), 10)
	if st := tr.CurrentStatus(); st.StreamID != want {
		t.Errorf("stream id = %q, want placeholder %q", st.StreamID, want)
	}
}

func TestChatOffsetsRelativeToStreamStart(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	started := clock.now().Add(-30 * time.Second)
	mustSample(t, tr, Sample{Game: "GameA", BroadcastID: "111", StartedAt: started})
	mustChat(t, tr, "now")
	clock.advance(15 * time.Second)
	mustChat(t, tr, "later")

	snap := tr.Snapshot()
	msgs := snap.AllMessages()
	if len(msgs) != 2 {
		t.Fatalf("message count = %d, want 2", len(msgs))
	}
	if msgs[0].SecondsSinceStart != 30 {
		t.Errorf("first offset = %v, want 30", msgs[0].SecondsSinceStart)
	}
	if msgs[1].SecondsSinceStart != 45 {
		t.Errorf("second offset = %v, want 45", msgs[1].SecondsSinceStart)
	}
	if msgs[1].SecondsSinceStart < msgs[0].SecondsSinceStart {
		t.Error("offsets must be non-decreasing")
	}
}

func TestChatOffsetClampedAtZero(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	// Oracle claims the broadcast starts in the future relative to our clock.
	mustSample(t, tr, Sample{Game: "GameA", BroadcastID: "111", StartedAt: clock.now().Add(time.Minute)})
	mustChat(t, tr, "early")
	snap := tr.Snapshot()
	if got := snap.AllMessages()[0].SecondsSinceStart; got != 0 {
		t.Errorf("offset = %v, want clamped to 0", got)
	}
}

func TestChatWrongChannelRejected(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	err := tr.HandleChatMessage("otherchannel", "viewer", "hi", false)
	if !errors.Is(err, ErrWrongChannel) {
		t.Fatalf("error = %v, want ErrWrongChannel", err)
	}
	if st := tr.CurrentStatus(); st.Messages != 0 {
		t.Error("rejected message must not be recorded")
	}
}

func TestChatChannelCaseAndHashInsensitive(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	for _, ch := range []string{"somestreamer", "#somestreamer", "SomeStreamer", "#SOMESTREAMER"} {
		if err := tr.HandleChatMessage(ch, "viewer", "hi", false); err != nil {
			t.Errorf("HandleChatMessage(%q) error = %v", ch, err)
		}
	}
}

func TestChatSelfMessageRejected(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	err := tr.HandleChatMessage("somestreamer", "somebot", "echo", true)
	if !errors.Is(err, ErrSelfMessage) {
		t.Fatalf("error = %v, want ErrSelfMessage", err)
	}
}

func TestPersistFailureSurfacesButTransitionCompletes(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	mustSample(t, tr, Sample{Game: "GameA", BroadcastID: "111"})
	mustChat(t, tr, "hi")

	store.mu.Lock()
	store.err = errors.New("db down")
	store.mu.Unlock()

	err := tr.HandleSample(context.Background(), Sample{Game: transcript.Offline})
	if err == nil {
		t.Fatal("HandleSample() should surface the persist error")
	}
	// The in-memory transition still happened.
	if st := tr.CurrentStatus(); st.Live || st.StreamID != "111_post" {
		t.Errorf("status after failed persist = %+v, want offline 111_post", st)
	}
}

func TestPollFailureLeavesStateUntouched(t *testing.T) {
	store := &fakeStore{}
	oracle := &fakeOracle{err: errors.New("helix 500")}
	clock := newFakeClock()
	tr := New("somestreamer", oracle, store, WithClock(clock.now))
	before := tr.CurrentStatus()
	if err := tr.Poll(context.Background()); err == nil {
		t.Fatal("Poll() should return the oracle error")
	}
	after := tr.CurrentStatus()
	if before != after {
		t.Errorf("state changed on poll failure: before=%+v after=%+v", before, after)
	}
}

func TestPollAppliesSample(t *testing.T) {
	store := &fakeStore{}
	oracle := &fakeOracle{}
	oracle.set(Sample{Game: "GameA", BroadcastID: "111"})
	clock := newFakeClock()
	tr := New("somestreamer", oracle, store, WithClock(clock.now))
	if err := tr.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if st := tr.CurrentStatus(); !st.Live || st.Game != "GameA" {
		t.Errorf("status after poll = %+v, want live GameA", st)
	}
}

func TestCloseFlushesCurrentStream(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	mustSample(t, tr, Sample{Game: "GameA", BroadcastID: "111"})
	mustChat(t, tr, "bye")
	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	got := store.streams()
	if len(got) != 1 {
		t.Fatalf("persisted %d streams, want 1", len(got))
	}
	if got[0].ID != "111" || len(got[0].Segments) != 1 {
		t.Errorf("flushed stream = {ID:%q segments:%d}, want 111 with 1 segment", got[0].ID, len(got[0].Segments))
	}
}

func TestCloseIsIdempotentAndFencesTransitions(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if err := tr.HandleSample(ctx, Sample{Game: "GameA"}); !errors.Is(err, ErrClosed) {
		t.Errorf("HandleSample after close = %v, want ErrClosed", err)
	}
	if err := tr.HandleChatMessage("somestreamer", "v", "hi", false); !errors.Is(err, ErrClosed) {
		t.Errorf("HandleChatMessage after close = %v, want ErrClosed", err)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	mustSample(t, tr, Sample{Game: "GameA", BroadcastID: "111"})
	mustChat(t, tr, "hi")
	snap := tr.Snapshot()
	snap.Segments[0].Messages[0].Text = "mutated"
	mustChat(t, tr, "again")
	fresh := tr.Snapshot()
	if fresh.AllMessages()[0].Text != "hi" {
		t.Error("Snapshot() shares message storage with the tracker")
	}
	if fresh.MessageCount() != 2 {
		t.Errorf("message count = %d, want 2", fresh.MessageCount())
	}
}

func mustSample(t *testing.T, tr *Tracker, s Sample) {
	t.Helper()
	if err := tr.HandleSample(context.Background(), s); err != nil {
		t.Fatalf("HandleSample(%+v) error = %v", s, err)
	}
}

func mustChat(t *testing.T, tr *Tracker, text string) {
	t.Helper()
	if err := tr.HandleChatMessage("somestreamer", "viewer", text, false); err != nil {
		t.Fatalf("HandleChatMessage(%q) error = %v", text, err)
	}
}
