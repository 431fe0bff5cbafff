// Package segment splits a time-ordered message list into bounded,
// overlapping conversation chunks for topic extraction.
package segment

import (
	"sort"

	"github.com/groupscribe/groupscribe/internal/models"
)

// Options control the four splitting passes.
type Options struct {
	GapHours float64 // elapsed hours that start a new segment
	MinSize  int     // segments are merged until the buffer reaches this size
	MaxSize  int     // merged segments larger than this are cut into pieces
	Overlap  int     // messages prepended from the preceding chunk
}

// DefaultOptions returns the production segmentation parameters.
func DefaultOptions() Options {
	return Options{
		GapHours: 2.0,
		MinSize:  25,
		MaxSize:  200,
		Overlap:  5,
	}
}

// Split partitions messages into conversation chunks. Four passes, each
// preserving total order:
//
//  1. start a new segment whenever the gap since the previous message
//     reaches GapHours
//  2. merge consecutive small segments until the buffer holds MinSize
//     messages; the trailing buffer is flushed regardless of size
//  3. cut segments larger than MaxSize into consecutive fixed-size pieces
//  4. prepend the last Overlap messages of the preceding chunk to every
//     chunk after the first
//
// A single short burst that is the whole input still comes back as one
// undersized chunk. Empty input yields nil.
func Split(messages []models.Message, opts Options) [][]models.Message {
	if len(messages) == 0 {
		return nil
	}

	msgs := make([]models.Message, len(messages))
	copy(msgs, messages)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})

	// Pass 1: split on time gaps.
	var segments [][]models.Message
	current := []models.Message{msgs[0]}
	for i := 1; i < len(msgs); i++ {
		gap := msgs[i].Timestamp.Sub(msgs[i-1].Timestamp).Hours()
		if gap >= opts.GapHours {
			segments = append(segments, current)
			current = nil
		}
		current = append(current, msgs[i])
	}
	if len(current) > 0 {
		segments = append(segments, current)
	}

	// Pass 2: merge small segments.
	var merged [][]models.Message
	var buffer []models.Message
	for _, seg := range segments {
		if len(buffer) < opts.MinSize {
			buffer = append(buffer, seg...)
		} else {
			merged = append(merged, buffer)
			buffer = append([]models.Message(nil), seg...)
		}
	}
	if len(buffer) > 0 {
		merged = append(merged, buffer)
	}

	// Pass 3: cut oversized segments.
	var sized [][]models.Message
	for _, seg := range merged {
		for opts.MaxSize > 0 && len(seg) > opts.MaxSize {
			sized = append(sized, seg[:opts.MaxSize])
			seg = seg[opts.MaxSize:]
		}
		if len(seg) > 0 {
			sized = append(sized, seg)
		}
	}

	// Pass 4: inject pre-overlap. Overlap messages stay in their original
	// chunk; consecutive chunks just share context.
	chunks := make([][]models.Message, 0, len(sized))
	for i, seg := range sized {
		if i > 0 && opts.Overlap > 0 {
			prev := sized[i-1]
			n := opts.Overlap
			if n > len(prev) {
				n = len(prev)
			}
			withOverlap := make([]models.Message, 0, n+len(seg))
			withOverlap = append(withOverlap, prev[len(prev)-n:]...)
			withOverlap = append(withOverlap, seg...)
			seg = withOverlap
		}
		chunks = append(chunks, seg)
	}

	return chunks
}
