package frame

import (
	"context"
	"io"
	"sync"
)

// Chunk is one value produced by a Stream. The chunk with Final set carries
// the producer's completion value and is always the last one.
type Chunk struct {
	Value any
	Final bool
}

// Stream is an open-ended sequence of JSON-serializable values. Next returns
// io.EOF once the final chunk has been consumed. Close releases the
// producer early and is safe to call more than once.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
	Close()
}

// Producer emits intermediate values and returns the completion value.
// emit fails once the consumer has gone away.
type Producer func(ctx context.Context, emit func(v any) error) (any, error)

type item struct {
	chunk Chunk
	err   error
}

type genStream struct {
	ch     chan item
	cancel context.CancelFunc
	once   sync.Once
	done   bool
}

// Generate runs p on its own goroutine. The producer determines pacing:
// each emit blocks until the consumer asks for the next chunk.
func Generate(ctx context.Context, p Producer) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &genStream{ch: make(chan item), cancel: cancel}
	go func() {
		defer close(s.ch)
		send := func(it item) bool {
			select {
			case s.ch <- it:
				return true
			case <-ctx.Done():
				return false
			}
		}
		final, err := p(ctx, func(v any) error {
			if !send(item{chunk: Chunk{Value: v}}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			send(item{err: err})
			return
		}
		send(item{chunk: Chunk{Value: final, Final: true}})
	}()
	return s
}

func (s *genStream) Next(ctx context.Context) (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	select {
	case it, ok := <-s.ch:
		if !ok {
			s.done = true
			return Chunk{}, io.EOF
		}
		if it.err != nil {
			s.done = true
			return Chunk{}, it.err
		}
		if it.chunk.Final {
			s.done = true
		}
		return it.chunk, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

func (s *genStream) Close() {
	s.once.Do(s.cancel)
}

type sliceStream struct {
	values []any
	final  any
	pos    int
}

// FromValues streams values followed by final.
func FromValues(final any, values ...any) Stream {
	return &sliceStream{values: values, final: final}
}

func (s *sliceStream) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	switch {
	case s.pos < len(s.values):
		s.pos++
		return Chunk{Value: s.values[s.pos-1]}, nil
	case s.pos == len(s.values):
		s.pos++
		return Chunk{Value: s.final, Final: true}, nil
	}
	return Chunk{}, io.EOF
}

func (s *sliceStream) Close() {}
