package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
)

const (
	defaultQueueSize   = 64
	defaultCancelGrace = 5 * time.Second
)

// Runner executes the pipeline with progress callbacks.
type Runner interface {
	RunWithProgress(ctx context.Context, req pipeline.Request, progress pipeline.ProgressFunc) (*pipeline.Result, error)
}

// Options tunes a Controller.
type Options struct {
	// QueueSize bounds progress items buffered between the worker and the consumer.
	QueueSize int
	// CancelGrace bounds how long cancellation waits for the worker to stop.
	CancelGrace time.Duration
	// Log records delivered events for replay. Optional.
	Log EventLog
}

// Controller runs pipeline requests in the background and turns their progress
// into an ordered event stream ending in exactly one terminal event.
type Controller struct {
	runner    Runner
	queueSize int
	grace     time.Duration
	log       EventLog
	logger    *zap.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewController builds a controller around runner.
func NewController(runner Runner, opts Options, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = defaultCancelGrace
	}
	return &Controller{
		runner:    runner,
		queueSize: opts.QueueSize,
		grace:     opts.CancelGrace,
		log:       opts.Log,
		logger:    logger,
		streams:   make(map[string]*Stream),
	}
}

// Start launches req. Cancelling ctx has the same effect as Stream.Cancel.
func (c *Controller) Start(ctx context.Context, req pipeline.Request) *Stream {
	workCtx, workCancel := context.WithCancel(ctx)
	s := &Stream{
		ID:         uuid.NewString(),
		ctrl:       c,
		out:        make(chan Event),
		queue:      make(chan Event, c.queueSize),
		cancelReq:  make(chan struct{}),
		workCtx:    workCtx,
		workCancel: workCancel,
		workerDone: make(chan struct{}),
	}
	c.mu.Lock()
	c.streams[s.ID] = s
	c.mu.Unlock()
	metrics.ActiveStreams.Inc()

	go s.work(req)
	go s.loop(ctx)
	return s
}

// Cancel cancels an in-flight stream by id. It reports false when the stream is unknown or finished.
func (c *Controller) Cancel(id string) bool {
	c.mu.Lock()
	s, ok := c.streams[id]
	c.mu.Unlock()
	if ok {
		s.Cancel()
	}
	return ok
}

// Replay returns logged events of a stream with Seq greater than since.
func (c *Controller) Replay(ctx context.Context, id string, since uint64) ([]Event, error) {
	if c.log == nil {
		return nil, nil
	}
	return c.log.Since(ctx, id, since)
}

func (c *Controller) finished(id string) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
	metrics.ActiveStreams.Dec()
}

// Stream is one running request. Consume it with Next until it reports false.
type Stream struct {
	ID string

	ctrl       *Controller
	out        chan Event
	queue      chan Event
	cancelReq  chan struct{}
	cancelOnce sync.Once
	cancelled  atomic.Bool
	workCtx    context.Context
	workCancel context.CancelFunc
	workerDone chan struct{}
	seq        uint64

	// written by the worker before workerDone is closed
	result *pipeline.Result
	err    error
}

// Next blocks for the next event. It returns false after the terminal event has
// been delivered. Progress updates that race with Cancel are discarded.
func (s *Stream) Next() (Event, bool) {
	for ev := range s.out {
		if s.cancelled.Load() && !ev.Type.Terminal() {
			continue
		}
		return ev, true
	}
	return Event{}, false
}

// Cancel requests cancellation. Calling it more than once, or after the stream
// finished, has no effect.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancelled.Store(true)
		close(s.cancelReq)
	})
}

func (s *Stream) work(req pipeline.Request) {
	defer close(s.workerDone)
	defer func() {
		if r := recover(); r != nil {
			s.err = fmt.Errorf("pipeline panic: %v", r)
			s.ctrl.logger.Error("Pipeline worker panicked", zap.String("stream_id", s.ID), zap.Any("panic", r))
		}
	}()
	s.result, s.err = s.ctrl.runner.RunWithProgress(s.workCtx, req, s.push)
}

// push runs on the worker goroutine. Items produced after cancellation are dropped.
func (s *Stream) push(p pipeline.Progress) {
	if s.workCtx.Err() != nil {
		return
	}
	ev := Event{Type: EventAgentUpdate, StageName: p.Stage, Status: p.Status, Trace: p.Trace}
	select {
	case s.queue <- ev:
	case <-s.workCtx.Done():
	}
}

func (s *Stream) loop(ctx context.Context) {
	defer s.ctrl.finished(s.ID)
	defer close(s.out)
	defer s.workCancel()

	for {
		select {
		case <-s.cancelReq:
			s.finishCancelled(ctx)
			return
		case <-ctx.Done():
			s.finishCancelled(ctx)
			return
		case ev := <-s.queue:
			if !s.emit(ctx, ev) {
				s.finishCancelled(ctx)
				return
			}
		case <-s.workerDone:
			if s.cancelled.Load() || ctx.Err() != nil || errors.Is(s.err, pipeline.ErrCancelled) {
				s.finishCancelled(ctx)
				return
			}
			for {
				var ev Event
				select {
				case ev = <-s.queue:
				default:
					s.sendTerminal(ctx, s.outcome())
					return
				}
				if !s.emit(ctx, ev) {
					s.finishCancelled(ctx)
					return
				}
			}
		}
	}
}

// emit forwards a progress event unless cancellation wins first.
func (s *Stream) emit(ctx context.Context, ev Event) bool {
	if s.cancelled.Load() || ctx.Err() != nil {
		return false
	}
	ev = s.stamp(ctx, ev)
	select {
	case s.out <- ev:
		metrics.RecordStreamEvent(string(ev.Type))
		return true
	case <-s.cancelReq:
		return false
	case <-ctx.Done():
		return false
	}
}

// finishCancelled stops the worker, waits for it within the grace period,
// discards queued progress and emits the single cancelled event.
func (s *Stream) finishCancelled(ctx context.Context) {
	s.cancelled.Store(true)
	s.workCancel()

	timer := time.NewTimer(s.ctrl.grace)
	defer timer.Stop()
	select {
	case <-s.workerDone:
	case <-timer.C:
		s.ctrl.logger.Warn("Pipeline worker did not acknowledge cancellation within grace period",
			zap.String("stream_id", s.ID),
			zap.Duration("grace", s.ctrl.grace),
		)
	}

	for drained := false; !drained; {
		select {
		case <-s.queue:
		default:
			drained = true
		}
	}
	s.ctrl.logger.Info("Stream cancelled", zap.String("stream_id", s.ID))
	s.sendTerminal(ctx, Event{Type: EventCancelled})
}

func (s *Stream) outcome() Event {
	if s.err == nil {
		return Event{Type: EventFinalResult, Data: s.result}
	}
	var pv *pipeline.PolicyViolationError
	if errors.As(s.err, &pv) {
		return Event{Type: EventError, Error: pv.Error(), Reasons: pv.Violations}
	}
	s.ctrl.logger.Warn("Streamed pipeline failed", zap.String("stream_id", s.ID), zap.Error(s.err))
	var sf *pipeline.StageFailureError
	if errors.As(s.err, &sf) {
		return Event{Type: EventError, Error: fmt.Sprintf("Pipeline failed at stage %s", sf.Stage)}
	}
	return Event{Type: EventError, Error: "Pipeline failed"}
}

// sendTerminal delivers the terminal event. Once the consumer's context has
// ended or Cancel was called it waits at most the grace period for a reader.
func (s *Stream) sendTerminal(ctx context.Context, ev Event) {
	ev = s.stamp(ctx, ev)
	select {
	case s.out <- ev:
		metrics.RecordStreamEvent(string(ev.Type))
		return
	case <-ctx.Done():
	case <-s.cancelReq:
	}
	timer := time.NewTimer(s.ctrl.grace)
	defer timer.Stop()
	select {
	case s.out <- ev:
		metrics.RecordStreamEvent(string(ev.Type))
	case <-timer.C:
		s.ctrl.logger.Debug("Terminal event dropped, consumer gone", zap.String("stream_id", s.ID))
	}
}

func (s *Stream) stamp(ctx context.Context, ev Event) Event {
	s.seq++
	ev.StreamID = s.ID
	ev.Seq = s.seq
	ev.Timestamp = time.Now().UTC()
	if s.ctrl.log != nil {
		logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if err := s.ctrl.log.Append(logCtx, ev); err != nil {
			s.ctrl.logger.Debug("Event log append failed", zap.String("stream_id", s.ID), zap.Error(err))
		}
		cancel()
	}
	return ev
}
