// Package transcript defines the chat transcript entities shared by the
// tracker, the stats aggregator, and persistence: a Streamer has Streams,
// a Stream has ordered Segments, a Segment has ordered Messages.
package transcript

import "time"

// Offline is the sentinel game label used while no broadcast is active.
const Offline = "OFFLINE"

// prestreamID seeds offline stream identity before any broadcast has been seen.
const prestreamID = "PRESTREAM"

// Message is a single chat line. SecondsSinceStart is relative to the owning
// Stream's start (not the Segment's), so density analysis works on one
// stream-wide time axis.
type Message struct {
	Username          string  `json:"username"`
	Text              string  `json:"text"`
	SecondsSinceStart float64 `json:"seconds_since_start"`
}

// Segment is a contiguous sub-interval of a Stream during which one game
// label applied.
type Segment struct {
	Start    time.Time `json:"start"`
	Game     string    `json:"game"`
	Messages []Message `json:"messages"`
}

// Stream is one live or offline era of a streamer. Its ID is the Twitch
// broadcast id while live, or a derived "<id>_post" token for the offline
// era that follows. Segments is append-only and chronologically ordered.
type Stream struct {
	ID       string    `json:"id"`
	Start    time.Time `json:"start"`
	Live     bool      `json:"live"`
	Segments []Segment `json:"segments"`
}

// OfflineID derives the identity token for the offline era following the
// broadcast prev. An empty prev means no broadcast has been observed yet.
func OfflineID(prev string) string {
	if prev == "" {
		prev = prestreamID
	}
	return prev + "_post"
}

// AllMessages flattens every segment's messages in append order.
func (s *Stream) AllMessages() []Message {
	n := 0
	for i := range s.Segments {
		n += len(s.Segments[i].Messages)
	}
	out := make([]Message, 0, n)
	for i := range s.Segments {
		out = append(out, s.Segments[i].Messages...)
	}
	return out
}

// MessageCount returns the total number of messages across all segments.
func (s *Stream) MessageCount() int {
	n := 0
	for i := range s.Segments {
		n += len(s.Segments[i].Messages)
	}
	return n
}

// Clone returns a deep copy. The aggregator only ever reads snapshots, so
// the tracker hands out clones rather than live state.
func (s *Stream) Clone() *Stream {
	out := &Stream{ID: s.ID, Start: s.Start, Live: s.Live}
	if s.Segments != nil {
		out.Segments = make([]Segment, len(s.Segments))
		for i, seg := range s.Segments {
			cp := Segment{Start: seg.Start, Game: seg.Game}
			if seg.Messages != nil {
				cp.Messages = make([]Message, len(seg.Messages))
				copy(cp.Messages, seg.Messages)
			}
			out.Segments[i] = cp
		}
	}
	return out
}

// Category is a named semantic bucket with a keyword set. An empty keyword
// matches every message (the wildcard category).
type Category struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
}

// Clip is one high-density window for one category within one stream.
type Clip struct {
	SecondsSinceStart float64 `json:"seconds_since_start"`
	NumMessages       int     `json:"num_messages"`
}

// CategoryStats is the ranked clip list plus the full per-bucket histogram
// for one category within one stream.
type CategoryStats struct {
	TopClips          []Clip `json:"top_clips"`
	MessagesPerPeriod []int  `json:"messages_per_period"`
}
