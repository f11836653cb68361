// Package ndjson turns a chunked byte stream of newline-delimited JSON into
// chat fragments.
//
// Lines are reassembled across chunk boundaries on raw bytes. A newline is a
// single ASCII byte that never appears inside a UTF-8 multi-byte sequence, so
// a rune split between two chunks simply stays in the pending buffer until
// its line is complete.
package ndjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"

	"peerwave-chat/domain/chat"

	"github.com/sirupsen/logrus"
)

// ErrDecoderConsumed is yielded when a Decoder is ranged over a second time.
var ErrDecoderConsumed = errors.New("ndjson decoder already consumed")

var errStopped = errors.New("consumer stopped")

type Options struct {
	// FlushTrailingLine processes a final line that has no terminating
	// newline when the source signals completion. Off by default: such a
	// line is dropped.
	FlushTrailingLine bool
}

// Decoder holds the partially received trailing line of one decode session.
// It is not safe for concurrent use and must not be reused across requests.
type Decoder struct {
	opts    Options
	pending []byte
	used    bool
	skipped int
}

func NewDecoder(opts Options) *Decoder {
	return &Decoder{opts: opts}
}

// Feed appends chunk to the pending buffer and calls emit for every fragment
// found in the lines it completes. Emission stops at the first emit error.
func (d *Decoder) Feed(chunk []byte, emit func(chat.Fragment) error) error {
	if len(chunk) == 0 {
		return nil
	}
	d.pending = append(d.pending, chunk...)

	start := 0
	for {
		i := bytes.IndexByte(d.pending[start:], '\n')
		if i < 0 {
			break
		}
		line := d.pending[start : start+i]
		start += i + 1
		if err := d.processLine(line, emit); err != nil {
			d.compact(start)
			return err
		}
	}
	d.compact(start)
	return nil
}

// Finish ends the session. The residual partial line is discarded unless
// FlushTrailingLine is set.
func (d *Decoder) Finish(emit func(chat.Fragment) error) error {
	rest := d.pending
	d.pending = nil
	if !d.opts.FlushTrailingLine || len(rest) == 0 {
		if len(bytes.TrimSpace(rest)) > 0 {
			logrus.WithField("bytes", len(rest)).Debug("Dropping unterminated trailing line")
		}
		return nil
	}
	return d.processLine(rest, emit)
}

// Pending returns the number of buffered bytes not yet terminated by a newline.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// Skipped returns how many non-empty lines were discarded as malformed or
// lacking content.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) compact(consumed int) {
	if consumed == 0 {
		return
	}
	n := copy(d.pending, d.pending[consumed:])
	d.pending = d.pending[:n]
}

func (d *Decoder) processLine(raw []byte, emit func(chat.Fragment) error) error {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return nil
	}
	var parsed chat.StreamLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		d.skipped++
		logrus.WithError(err).Debug("Skipping malformed stream line")
		return nil
	}
	content := parsed.Content()
	if content == "" {
		d.skipped++
		return nil
	}
	return emit(content)
}

// Decode returns the lazy fragment sequence for src. The sequence is finite
// and can be ranged once; src is released on every exit path, including an
// early break by the consumer. A source error is yielded as the last element.
func (d *Decoder) Decode(ctx context.Context, src ChunkSource) iter.Seq2[chat.Fragment, error] {
	return func(yield func(chat.Fragment, error) bool) {
		defer func() {
			if err := src.Release(); err != nil {
				logrus.WithError(err).Debug("Failed to release chunk source")
			}
		}()

		if d.used {
			yield("", ErrDecoderConsumed)
			return
		}
		d.used = true

		stopped := false
		emit := func(fragment chat.Fragment) error {
			if !yield(fragment, nil) {
				stopped = true
				return errStopped
			}
			return nil
		}

		for {
			chunk, done, err := src.Next(ctx)
			if err != nil {
				yield("", err)
				return
			}
			if done {
				_ = d.Finish(emit)
				return
			}
			_ = d.Feed(chunk, emit)
			if stopped {
				return
			}
		}
	}
}

// Decode is a shorthand for NewDecoder(opts).Decode(ctx, src).
func Decode(ctx context.Context, src ChunkSource, opts Options) iter.Seq2[chat.Fragment, error] {
	return NewDecoder(opts).Decode(ctx, src)
}

// Collect drains seq, returning every fragment seen before the first error.
func Collect(seq iter.Seq2[chat.Fragment, error]) ([]chat.Fragment, error) {
	var out []chat.Fragment
	for fragment, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, fragment)
	}
	return out, nil
}
