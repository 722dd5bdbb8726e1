package docker

import (
	"errors"
	"io"
	"strconv"
	"sync"
	"time"
)

const chunkSize = 4096

// LogOptions bounds a one-shot log read.
type LogOptions struct {
	// Tail limits output to the last N lines. Zero means all lines.
	Tail int
	// Since drops output produced before this instant. Zero means no bound.
	Since time.Time
}

func (o LogOptions) args() []string {
	var args []string
	if o.Tail > 0 {
		args = append(args, "--tail", strconv.Itoa(o.Tail))
	}
	if !o.Since.IsZero() {
		args = append(args, "--since", formatSince(o.Since))
	}
	return args
}

// formatSince renders a timestamp the way `docker logs --since` accepts it.
func formatSince(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// LogStream is a live, push-based sequence of output chunks from a
// container. Chunks is closed when the underlying stream ends; Err then
// reports why. The consumer must call Close.
type LogStream struct {
	chunks chan []byte
	done   chan struct{}
	src    io.ReadCloser

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// NewLogStream starts pumping src into a LogStream.
func NewLogStream(src io.ReadCloser) *LogStream {
	s := &LogStream{
		chunks: make(chan []byte),
		done:   make(chan struct{}),
		src:    src,
	}
	go s.pump()
	return s
}

func (s *LogStream) pump() {
	defer close(s.chunks)
	for {
		buf := make([]byte, chunkSize)
		n, err := s.src.Read(buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
	}
}

// Chunks returns the channel of output chunks.
func (s *LogStream) Chunks() <-chan []byte {
	return s.chunks
}

// Err returns the error that ended the stream, or nil for a clean end.
// Only meaningful after Chunks has been closed.
func (s *LogStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream and releases the underlying process.
func (s *LogStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.src.Close()
	})
	return err
}
