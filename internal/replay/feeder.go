package replay

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Feeder replays a complete transcript as if it were streaming: the
// pipeline sees the buffer grow by ChunkSize bytes at a time. A chunk
// size of zero (or below) delivers the whole transcript in one call.
type Feeder struct {
	// ChunkSize is the growth step in bytes.
	ChunkSize int

	// ChunkDelay is an optional pause between steps, for watching live
	// previews at human speed.
	ChunkDelay time.Duration
}

// Feed reads r to EOF and replays it through p.
func (f *Feeder) Feed(ctx context.Context, r io.Reader, p *Pipeline) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading transcript: %w", err)
	}
	return f.FeedString(ctx, string(data), p)
}

// FeedString replays transcript through p in growing prefixes.
func (f *Feeder) FeedString(ctx context.Context, transcript string, p *Pipeline) error {
	step := f.ChunkSize
	if step <= 0 {
		step = len(transcript)
	}
	for end := 0; end < len(transcript); {
		end += step
		if end > len(transcript) {
			end = len(transcript)
		}
		if err := p.Feed(transcript[:end]); err != nil {
			return err
		}
		if f.ChunkDelay > 0 && end < len(transcript) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.ChunkDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
	if len(transcript) == 0 {
		return p.Feed("")
	}
	return nil
}
