// Package readiness decides when a freshly started server is usable by
// watching its log output for a sentinel line.
package readiness

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mcmanager/manager/internal/clock"
	"github.com/mcmanager/manager/internal/docker"
	"github.com/mcmanager/manager/internal/domain"
)

// State is the outcome of a readiness watch.
type State string

const (
	StateWaiting  State = "WAITING"
	StateReady    State = "READY"
	StateTimedOut State = "TIMED_OUT"
)

const (
	DefaultSentinel    = "RCON running on 0.0.0.0:25575"
	DefaultIdleTimeout = 90 * time.Second
	DefaultTailLines   = 100
)

// LogSource is the part of the container client the detector reads from.
type LogSource interface {
	Logs(ctx context.Context, ref string, opts docker.LogOptions) (string, error)
	StreamLogs(ctx context.Context, ref string, since time.Time) (*docker.LogStream, error)
}

// Config tunes a Detector. Zero fields take the defaults.
type Config struct {
	Sentinel    string
	IdleTimeout time.Duration
	TailLines   int
}

// Detector watches container output for the sentinel. The idle deadline is
// pushed forward by every chunk of output, so a server that keeps logging
// is never timed out.
type Detector struct {
	sentinel  []byte
	idle      time.Duration
	tailLines int

	source LogSource
	clock  clock.Clock
	logger *slog.Logger
}

func New(source LogSource, clk clock.Clock, logger *slog.Logger, cfg Config) *Detector {
	if cfg.Sentinel == "" {
		cfg.Sentinel = DefaultSentinel
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = DefaultTailLines
	}
	return &Detector{
		sentinel:  []byte(cfg.Sentinel),
		idle:      cfg.IdleTimeout,
		tailLines: cfg.TailLines,
		source:    source,
		clock:     clk,
		logger:    logger,
	}
}

// Wait blocks until the sentinel appears in output produced at or after
// since, the idle deadline passes, the stream breaks, or ctx is done.
//
// Output already captured is checked first, so a container that became
// ready before the watch began is reported immediately.
func (d *Detector) Wait(ctx context.Context, ref string, since time.Time) (State, error) {
	log := d.logger.With("container_id", domain.ShortRef(ref))

	captured, err := d.source.Logs(ctx, ref, docker.LogOptions{Tail: d.tailLines, Since: since})
	switch {
	case err != nil:
		log.Warn("log pre-scan failed, falling back to stream", "err", err)
	case strings.Contains(captured, string(d.sentinel)):
		log.Info("server ready", "source", "captured")
		return StateReady, nil
	}

	stream, err := d.source.StreamLogs(ctx, ref, since)
	if err != nil {
		return StateWaiting, domain.StreamError{Ref: ref, Err: err}
	}
	defer stream.Close()

	deadline := d.clock.Now().Add(d.idle)
	timer := d.clock.NewTimer(d.idle)
	defer func() { timer.Stop() }()

	keep := len(d.sentinel) - 1
	var carry []byte

	for {
		select {
		case <-ctx.Done():
			return StateWaiting, ctx.Err()

		case chunk, ok := <-stream.Chunks():
			if !ok {
				cause := stream.Err()
				if cause == nil {
					cause = io.ErrUnexpectedEOF
				}
				log.Warn("log stream ended before server was ready", "err", cause)
				return StateWaiting, domain.StreamError{Ref: ref, Err: cause}
			}

			window := append(carry, chunk...)
			if bytes.Contains(window, d.sentinel) {
				log.Info("server ready", "source", "stream")
				return StateReady, nil
			}
			if len(window) > keep {
				window = window[len(window)-keep:]
			}
			carry = append(carry[:0:0], window...)

			now := d.clock.Now()
			deadline = now.Add(d.idle)
			timer.Stop()
			timer = d.clock.NewTimer(deadline.Sub(now))

		case <-timer.C:
			now := d.clock.Now()
			if now.Before(deadline) {
				timer = d.clock.NewTimer(deadline.Sub(now))
				continue
			}
			log.Warn("server readiness timed out", "idle", d.idle)
			return StateTimedOut, domain.ReadinessTimeoutError{Ref: ref, Idle: d.idle}
		}
	}
}
