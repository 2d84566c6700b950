// Package asynccmd carries supervisory commands (IO writes, speed slider,
// program resend, payload) from the cyclic loop to a single background
// worker, and carries their outcomes back.
//
// The cyclic side only ever calls Submit and Drain, neither of which blocks
// on I/O. Requests are keyed by (Kind, Index); a request submitted while an
// earlier one for the same key is still queued replaces it, so the worker
// always executes the latest value.
package asynccmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/motion.bridge/internal/monitoring"
	"github.com/banshee-data/motion.bridge/internal/timeutil"
)

var logf = monitoring.Tagged("Async")

// Kind identifies the operation a request performs.
type Kind int

const (
	DigitalOutput Kind = iota
	AnalogOutput
	SpeedSlider
	ResendProgram
	Payload
)

func (k Kind) String() string {
	switch k {
	case DigitalOutput:
		return "digital_output"
	case AnalogOutput:
		return "analog_output"
	case SpeedSlider:
		return "speed_slider"
	case ResendProgram:
		return "resend_program"
	case Payload:
		return "payload"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Record identifies the success slot a request reports into. Several kinds
// can share one record.
type Record int

const (
	RecordIO Record = iota
	RecordSpeedScaling
	RecordResendProgram
	RecordPayload

	NumRecords
)

func (r Record) String() string {
	switch r {
	case RecordIO:
		return "io"
	case RecordSpeedScaling:
		return "speed_scaling"
	case RecordResendProgram:
		return "resend_robot_program"
	case RecordPayload:
		return "payload"
	default:
		return fmt.Sprintf("record(%d)", int(r))
	}
}

// Record returns the success record for k.
func (k Kind) Record() Record {
	switch k {
	case SpeedSlider:
		return RecordSpeedScaling
	case ResendProgram:
		return RecordResendProgram
	case Payload:
		return RecordPayload
	default:
		return RecordIO
	}
}

// Request is one supervisory operation.
type Request struct {
	ID    uuid.UUID
	Kind  Kind
	Index int
	Value float64

	// Payload only.
	Mass            float64
	CenterOfGravity [3]float64

	seq uint64
}

func (r Request) String() string {
	switch r.Kind {
	case Payload:
		return fmt.Sprintf("%s mass=%g cog=%v", r.Kind, r.Mass, r.CenterOfGravity)
	case ResendProgram:
		return r.Kind.String()
	default:
		return fmt.Sprintf("%s[%d]=%g", r.Kind, r.Index, r.Value)
	}
}

// Result is the outcome of an executed request.
type Result struct {
	Request  Request
	Err      error
	Started  time.Time
	Finished time.Time
}

// OK reports whether the request succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Executor performs requests against the robot. Execute may block until the
// robot acknowledges or ctx expires.
type Executor interface {
	Execute(ctx context.Context, req Request) error
}

// Sink observes every completed request from the worker goroutine.
type Sink interface {
	AsyncCompleted(Result)
}

// Options configures a Channel.
type Options struct {
	// Timeout bounds each Execute call. Defaults to DefaultTimeout.
	Timeout time.Duration
	// ResultBuffer is the capacity of the result channel.
	ResultBuffer int
	Sink         Sink
	Clock        timeutil.Clock
}

const (
	DefaultTimeout      = 2 * time.Second
	defaultResultBuffer = 32
)

type key struct {
	kind  Kind
	index int
}

// Channel is the request queue plus the worker that drains it.
type Channel struct {
	exec    Executor
	timeout time.Duration
	sink    Sink
	clock   timeutil.Clock

	mu     sync.Mutex
	queued map[key]Request
	order  []key
	seq    uint64
	latest [NumRecords]uint64

	wake    chan struct{}
	results chan Result
}

// New creates a Channel that executes requests through exec.
func New(exec Executor, opts Options) *Channel {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = defaultResultBuffer
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Channel{
		exec:    exec,
		timeout: opts.Timeout,
		sink:    opts.Sink,
		clock:   opts.Clock,
		queued:  make(map[key]Request),
		wake:    make(chan struct{}, 1),
		results: make(chan Result, opts.ResultBuffer),
	}
}

// Submit queues req and returns immediately. A queued request with the same
// kind and index is replaced.
func (c *Channel) Submit(req Request) {
	c.mu.Lock()
	c.seq++
	req.seq = c.seq
	c.latest[req.Kind.Record()] = req.seq
	k := key{kind: req.Kind, index: req.Index}
	if _, ok := c.queued[k]; !ok {
		c.order = append(c.order, k)
	}
	c.queued[k] = req
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued requests not yet picked up.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

func (c *Channel) next() (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return Request{}, false
	}
	k := c.order[0]
	c.order = c.order[1:]
	req := c.queued[k]
	delete(c.queued, k)
	req.ID = uuid.New()
	return req, true
}

// Run executes queued requests until ctx is cancelled. Requests still queued
// or in flight at cancellation are abandoned without a result.
func (c *Channel) Run(ctx context.Context) error {
	for {
		req, ok := c.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res := c.execute(ctx, req)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if res.Err != nil {
			logf("%s failed: %v", req, res.Err)
		}
		if c.sink != nil {
			c.sink.AsyncCompleted(res)
		}

		select {
		case c.results <- res:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) execute(ctx context.Context, req Request) Result {
	res := Result{Request: req, Started: c.clock.Now()}
	execCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res.Err = c.exec.Execute(execCtx, req)
	if res.Err == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		res.Err = execCtx.Err()
	}
	res.Finished = c.clock.Now()
	return res
}

// Drain hands every available result to apply without blocking. Results
// superseded by a newer submission for the same record are discarded, so
// apply sees at most the outcome of the newest request. It returns the
// number of results applied.
func (c *Channel) Drain(apply func(rec Record, success bool)) int {
	applied := 0
	for {
		select {
		case res := <-c.results:
			rec := res.Request.Kind.Record()
			c.mu.Lock()
			current := c.latest[rec] == res.Request.seq
			c.mu.Unlock()
			if current {
				apply(rec, res.OK())
				applied++
			}
		default:
			return applied
		}
	}
}
