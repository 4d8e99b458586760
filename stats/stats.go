// Package stats implements the density aggregator: given a stream's full
// transcript it computes, per category, a time-bucketed message histogram
// and a ranked list of high-density clip candidates.
package stats

import (
	"fmt"
	"sort"
	"strings"

	"github.com/onnwee/clip-scout/transcript"
)

const (
	// DefaultBucketSeconds is the histogram bucket width.
	DefaultBucketSeconds = 20
	// DefaultClipStartOffset shifts a reported clip start slightly before the
	// peak bucket so a downstream clip-maker captures the build-up.
	DefaultClipStartOffset = 5
	// DefaultMaxClips caps the ranked clip list.
	DefaultMaxClips = 20
)

// Options tunes the aggregation. The zero value selects the defaults:
// 20s buckets, threshold equal to the bucket width (one message per second
// sustained), 5s clip start offset, top 20 clips, word-boundary matching.
type Options struct {
	BucketSeconds   int
	ClipStartOffset float64
	Threshold       int
	MaxClips        int
	// Substring switches keyword matching from whitespace-delimited token
	// equality to plain substring containment. Both are case-insensitive.
	Substring bool
}

func (o Options) withDefaults() Options {
	if o.BucketSeconds <= 0 {
		o.BucketSeconds = DefaultBucketSeconds
	}
	if o.ClipStartOffset == 0 {
		o.ClipStartOffset = DefaultClipStartOffset
	}
	if o.Threshold <= 0 {
		o.Threshold = o.BucketSeconds
	}
	if o.MaxClips <= 0 {
		o.MaxClips = DefaultMaxClips
	}
	return o
}

// Aggregate computes CategoryStats for every category. It never mutates the
// stream and is deterministic over its input snapshot.
func Aggregate(stream *transcript.Stream, categories []transcript.Category, opts Options) map[string]transcript.CategoryStats {
	opts = opts.withDefaults()
	msgs := stream.AllMessages()
	out := make(map[string]transcript.CategoryStats, len(categories))
	for _, cat := range categories {
		out[cat.Name] = aggregateOne(msgs, cat, opts)
	}
	return out
}

// ForCategory computes stats for a single named category. An unknown name is
// a caller error.
func ForCategory(stream *transcript.Stream, categories []transcript.Category, name string, opts Options) (transcript.CategoryStats, error) {
	for _, cat := range categories {
		if cat.Name == name {
			return aggregateOne(stream.AllMessages(), cat, opts.withDefaults()), nil
		}
	}
	return transcript.CategoryStats{}, fmt.Errorf("unknown category %q", name)
}

func aggregateOne(msgs []transcript.Message, cat transcript.Category, opts Options) transcript.CategoryStats {
	perBucket := map[int]int{}
	maxBucket := -1
	for i := range msgs {
		if !matches(msgs[i].Text, cat.Keywords, opts.Substring) {
			continue
		}
		b := int(msgs[i].SecondsSinceStart) / opts.BucketSeconds
		if b < 0 {
			b = 0
		}
		perBucket[b]++
		if b > maxBucket {
			maxBucket = b
		}
	}
	if maxBucket < 0 {
		return transcript.CategoryStats{TopClips: []transcript.Clip{}, MessagesPerPeriod: []int{}}
	}

	hist := make([]int, maxBucket+1)
	for b, n := range perBucket {
		hist[b] = n
	}

	type bucketCount struct{ bucket, count int }
	candidates := make([]bucketCount, 0, len(perBucket))
	for b, n := range perBucket {
		if n >= opts.Threshold {
			candidates = append(candidates, bucketCount{b, n})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		return candidates[i].bucket < candidates[j].bucket
	})
	if len(candidates) > opts.MaxClips {
		candidates = candidates[:opts.MaxClips]
	}
	clips := make([]transcript.Clip, 0, len(candidates))
	for _, c := range candidates {
		at := float64(c.bucket*opts.BucketSeconds) - opts.ClipStartOffset
		if at < 0 {
			at = 0
		}
		clips = append(clips, transcript.Clip{SecondsSinceStart: at, NumMessages: c.count})
	}
	return transcript.CategoryStats{TopClips: clips, MessagesPerPeriod: hist}
}

// matches reports whether text matches any keyword. The empty keyword is the
// wildcard and matches everything.
func matches(text string, keywords []string, substring bool) bool {
	var lowered string
	var fields []string
	for _, kw := range keywords {
		if kw == "" {
			return true
		}
		if lowered == "" {
			lowered = strings.ToLower(text)
		}
		kw = strings.ToLower(kw)
		if substring {
			if strings.Contains(lowered, kw) {
				return true
			}
			continue
		}
		if fields == nil {
			fields = strings.Fields(lowered)
		}
		for _, f := range fields {
			if f == kw {
				return true
			}
		}
	}
	return false
}
