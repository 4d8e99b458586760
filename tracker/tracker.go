// Package tracker maintains the live stream/segment state for a single
// streamer. It consumes chat messages and periodic game-status samples,
// partitions the transcript into segments at game changes, and hands
// finished streams to the store whenever a live/offline boundary is crossed.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/clip-scout/telemetry"
	"github.com/onnwee/clip-scout/transcript"
)

// Sample is one observation from the game-status oracle.
type Sample struct {
	// Game is the current game label, or transcript.Offline when no
	// broadcast is active.
	Game string
	// BroadcastID is the Twitch stream id when live, empty otherwise.
	BroadcastID string
	// StartedAt is the broadcast start time when the oracle knows it.
	StartedAt time.Time
}

// StatusOracle reports the currently played game for the tracked streamer.
// Implementations handle their own authentication, including the
// refresh-once-and-retry contract on auth failures.
type StatusOracle interface {
	CurrentStatus(ctx context.Context) (Sample, error)
}

// StreamStore receives finalized streams. Delivering the same stream id
// twice must behave as an upsert.
type StreamStore interface {
	UpsertStream(ctx context.Context, streamer string, s *transcript.Stream) error
}

var (
	// ErrClosed is returned for any transition after Close.
	ErrClosed = errors.New("tracker closed")
	// ErrWrongChannel indicates the chat transport delivered a message for a
	// channel this tracker does not follow.
	ErrWrongChannel = errors.New("message for wrong channel")
	// ErrSelfMessage indicates the transport echoed our own message back.
	ErrSelfMessage = errors.New("self-authored message")
)

// Tracker owns the current stream/segment pair. All transitions are
// serialized by a single mutex: a chat message racing a live/offline
// boundary waits for the transition to finish and lands in whichever
// segment is open afterwards.
type Tracker struct {
	mu sync.Mutex

	streamer string
	oracle   StatusOracle
	store    StreamStore
	now      func() time.Time
	log      *slog.Logger

	closed          bool
	lastBroadcastID string
	current         *transcript.Stream
	segment         *transcript.Segment
}

// New creates a tracker for streamer (lowercase channel login). Until the
// first status sample arrives the tracker assumes an offline era, so chat
// seen before the first poll is still attributed somewhere persistable.
func New(streamer string, oracle StatusOracle, store StreamStore, opts ...Option) *Tracker {
	t := &Tracker{
		streamer: strings.ToLower(streamer),
		oracle:   oracle,
		store:    store,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	start := t.now()
	t.current = &transcript.Stream{ID: transcript.OfflineID(""), Start: start, Live: false}
	t.segment = &transcript.Segment{Start: start, Game: transcript.Offline, Messages: []transcript.Message{}}
	return t
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock substitutes the time source (tests).
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithLogger substitutes the logger.
func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.log = l } }

// Streamer returns the tracked channel login.
func (t *Tracker) Streamer() string { return t.streamer }

// HandleSample applies one game-status observation. Most polls are the
// steady state (same label) and do nothing. A label change closes the open
// segment; a live/offline boundary additionally finalizes the current
// stream and starts a fresh one. A persistence failure does not undo the
// in-memory transition: the stream stays queued on the tracker until the
// next boundary and the error is returned to the poll caller.
func (t *Tracker) HandleSample(ctx context.Context, s Sample) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if s.Game == t.segment.Game {
		return nil
	}

	now := t.now()
	prevGame := t.segment.Game
	t.log.Info("game changed",
		slog.String("streamer", t.streamer),
		slog.String("from", prevGame),
		slog.String("to", s.Game))
	telemetry.IncSegmentChanges()

	// The open segment always closes into whichever stream is current at
	// this instant, even when the boundary below replaces that stream.
	t.current.Segments = append(t.current.Segments, *t.segment)

	var persistErr error
	if (prevGame == transcript.Offline) != (s.Game == transcript.Offline) {
		persistErr = t.finalizeLocked(ctx)

		live := s.Game != transcript.Offline
		start := now
		var id string
		if live {
			id = s.BroadcastID
			if !s.StartedAt.IsZero() {
				start = s.StartedAt
			}
			if id == "" {
				// Helix omitted the broadcast id; derive a stable placeholder
				// from the start time so the era is still addressable.
				id = fmt.Sprintf("live-%d", start.Unix())
			}
			t.lastBroadcastID = id
		} else {
			id = transcript.OfflineID(t.lastBroadcastID)
		}
		t.current = &transcript.Stream{ID: id, Start: start, Live: live}
		telemetry.SetLive(live)
	}

	t.segment = &transcript.Segment{Start: now, Game: s.Game, Messages: []transcript.Message{}}
	return persistErr
}

// HandleChatMessage appends one chat line to the open segment. The channel
// must match the tracked streamer and the message must not be self-authored;
// either violation means the transport is misconfigured and is reported
// loudly instead of being absorbed.
func (t *Tracker) HandleChatMessage(channel, username, text string, self bool) error {
	if !strings.EqualFold(strings.TrimPrefix(channel, "#"), t.streamer) {
		err := fmt.Errorf("%w: got %q, tracking %q", ErrWrongChannel, channel, t.streamer)
		t.log.Error("chat protocol violation", slog.Any("err", err))
		return err
	}
	if self {
		t.log.Error("chat protocol violation", slog.Any("err", ErrSelfMessage), slog.String("channel", channel))
		return ErrSelfMessage
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	offset := t.now().Sub(t.current.Start).Seconds()
	if offset < 0 {
		offset = 0
	}
	t.segment.Messages = append(t.segment.Messages, transcript.Message{
		Username:          username,
		Text:              text,
		SecondsSinceStart: offset,
	})
	telemetry.IncMessagesIngested()
	return nil
}

// finalizeLocked hands the current stream to the store. Offline eras that
// collected no chat are suppressed so ad-break blips between broadcasts
// don't leave empty records. Callers hold t.mu.
func (t *Tracker) finalizeLocked(ctx context.Context) error {
	if !t.current.Live && t.current.MessageCount() == 0 {
		t.log.Debug("suppressing empty offline stream", slog.String("id", t.current.ID))
		telemetry.IncStreamsSuppressed()
		return nil
	}
	if err := t.store.UpsertStream(ctx, t.streamer, t.current); err != nil {
		t.log.Error("stream persist failed",
			slog.String("id", t.current.ID),
			slog.Any("err", err))
		return fmt.Errorf("persist stream %s: %w", t.current.ID, err)
	}
	telemetry.IncStreamsPersisted()
	t.log.Info("stream persisted",
		slog.String("id", t.current.ID),
		slog.Bool("live", t.current.Live),
		slog.Int("segments", len(t.current.Segments)),
		slog.Int("messages", t.current.MessageCount()))
	return nil
}

// Poll performs a single oracle call and applies the resulting sample. An
// oracle failure leaves tracker state untouched; the next scheduled poll is
// the retry mechanism.
func (t *Tracker) Poll(ctx context.Context) error {
	s, err := t.oracle.CurrentStatus(ctx)
	if err != nil {
		telemetry.IncPollFailures()
		return err
	}
	telemetry.IncPolls()
	return t.HandleSample(ctx, s)
}

// Run polls the oracle on a fixed cadence until ctx is done. Polls never
// overlap: the next tick is not consumed until the previous transition has
// been applied.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	t.log.Info("status poll started",
		slog.String("streamer", t.streamer),
		slog.Duration("interval", interval))
	if err := t.Poll(ctx); err != nil && ctx.Err() == nil {
		t.log.Warn("status poll", slog.Any("err", err))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Poll(ctx); err != nil {
				if errors.Is(err, ErrClosed) || ctx.Err() != nil {
					return
				}
				t.log.Warn("status poll", slog.Any("err", err))
			}
		}
	}
}

// Close flushes in-flight transcript data: the open segment is closed with
// no label change, the current stream is finalized, and the tracker goes
// dead. Safe to call once; later transitions return ErrClosed.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.current.Segments = append(t.current.Segments, *t.segment)
	return t.finalizeLocked(ctx)
}

// Snapshot returns a deep copy of the current stream with the open segment
// included, for read-only analysis of the in-progress era.
func (t *Tracker) Snapshot() *transcript.Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.current.Clone()
	seg := *t.segment
	seg.Messages = append([]transcript.Message(nil), t.segment.Messages...)
	snap.Segments = append(snap.Segments, seg)
	return snap
}

// Status summarizes the current state for the HTTP status endpoint.
type Status struct {
	Streamer    string    `json:"streamer"`
	StreamID    string    `json:"stream_id"`
	Live        bool      `json:"live"`
	Game        string    `json:"game"`
	StreamStart time.Time `json:"stream_start"`
	Segments    int       `json:"segments"`
	Messages    int       `json:"messages"`
}

// CurrentStatus reports the live tracker state.
func (t *Tracker) CurrentStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Streamer:    t.streamer,
		StreamID:    t.current.ID,
		Live:        t.current.Live,
		Game:        t.segment.Game,
		StreamStart: t.current.Start,
		Segments:    len(t.current.Segments),
		Messages:    t.current.MessageCount() + len(t.segment.Messages),
	}
}
