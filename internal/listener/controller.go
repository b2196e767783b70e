// Package listener implements the real-time capture pipeline: a capture loop
// reads fixed-size frames from an [audio.Source] into a bounded queue, and a
// process loop classifies each frame, assembles utterances with a silence
// hangover, transcribes them and hands the transcripts to a callback.
//
// A [Controller] owns at most one listening session at a time and moves
// through Stopped → Starting → Listening → Stopping → Stopped.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/contextengine/internal/observe"
	"github.com/MrWong99/contextengine/pkg/audio"
	"github.com/MrWong99/contextengine/pkg/memory"
	"github.com/MrWong99/contextengine/pkg/provider/stt"
	"github.com/MrWong99/contextengine/pkg/provider/vad"
)

// State is the lifecycle state of a [Controller].
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// StopPolicy decides what happens to in-flight work on Stop.
type StopPolicy string

const (
	// StopFinish lets the running engine call complete, drains the queue and
	// transcribes the flushed partial utterance.
	StopFinish StopPolicy = "finish"

	// StopDiscard cancels the running engine call and drops queued frames and
	// the partial utterance.
	StopDiscard StopPolicy = "discard"
)

// Validate reports whether p is a known policy.
func (p StopPolicy) Validate() error {
	switch p {
	case StopFinish, StopDiscard:
		return nil
	}
	return fmt.Errorf("listener: unknown stop policy %q", p)
}

// Controller defaults.
const (
	DefaultQueueSize      = 256
	DefaultJoinTimeout    = 2 * time.Second
	DefaultOverflowWait   = 100 * time.Millisecond
	DefaultLanguage       = "en"
	DefaultAggressiveness = vad.MaxAggressiveness
)

// Config holds the pipeline tunables.
type Config struct {
	Format         audio.Format
	Aggressiveness int
	HangoverFrames int
	MinUtterance   time.Duration
	MaxUtterance   time.Duration
	QueueSize      int
	Overflow       OverflowPolicy
	OverflowWait   time.Duration
	StopPolicy     StopPolicy
	JoinTimeout    time.Duration

	// Language is used when StartOptions.Language is empty.
	Language string

	// Speaker is stamped on every transcript.
	Speaker string
}

// DefaultConfig returns the stock pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Format:         audio.DefaultFormat,
		Aggressiveness: DefaultAggressiveness,
		HangoverFrames: DefaultHangoverFrames,
		MinUtterance:   DefaultMinUtterance,
		QueueSize:      DefaultQueueSize,
		Overflow:       DropOldest,
		OverflowWait:   DefaultOverflowWait,
		StopPolicy:     StopFinish,
		JoinTimeout:    DefaultJoinTimeout,
		Language:       DefaultLanguage,
		Speaker:        memory.DefaultSpeaker,
	}
}

// Validate checks the configuration, joining every problem found.
func (c Config) Validate() error {
	var errs []error
	if err := c.Format.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > vad.MaxAggressiveness {
		errs = append(errs, fmt.Errorf("listener: aggressiveness %d out of range [0, %d]", c.Aggressiveness, vad.MaxAggressiveness))
	}
	if c.HangoverFrames <= 0 {
		errs = append(errs, fmt.Errorf("listener: hangover_frames must be positive, got %d", c.HangoverFrames))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("listener: queue_size must be positive, got %d", c.QueueSize))
	}
	if err := c.Overflow.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.StopPolicy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.JoinTimeout <= 0 {
		errs = append(errs, fmt.Errorf("listener: join_timeout must be positive, got %s", c.JoinTimeout))
	}
	return errors.Join(errs...)
}

// SourceFactory creates the capture device for a source tag. It is called
// at most once per tag; the device is reused across sessions.
type SourceFactory func(tag string) (audio.Source, error)

// EngineFactory creates the STT engine. It is called on the first Start.
type EngineFactory func() (stt.Engine, error)

// Deps are the collaborators a Controller builds its pipeline from.
type Deps struct {
	Sources SourceFactory
	VAD     vad.Engine
	Engine  EngineFactory
}

// StaticEngine adapts an already constructed engine to an [EngineFactory].
func StaticEngine(e stt.Engine) EngineFactory {
	return func() (stt.Engine, error) { return e, nil }
}

// StartOptions select what a session listens to.
type StartOptions struct {
	// Source is the capture tag. Empty means [memory.SourceMicrophone].
	Source string

	// Language overrides Config.Language for this session.
	Language string
}

// Stats are cumulative counters across all sessions of a controller.
type Stats struct {
	FramesCaptured   int64
	FramesDropped    int64
	Utterances       int64
	ClassifierErrors int64
}

// Session describes the running listening session.
type Session struct {
	ID        string
	Source    string
	Language  string
	StartedAt time.Time
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithClock overrides the transcript clock.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller runs listening sessions. All exported methods are safe for
// concurrent use.
type Controller struct {
	cfg     Config
	deps    Deps
	metrics *observe.Metrics
	now     func() time.Time

	// lifecycle serialises Start, Stop and self-teardown. mu guards the
	// fields below it and is never held across blocking work.
	lifecycle sync.Mutex

	mu        sync.Mutex
	state     State
	closed    bool
	sess      *session
	straggler <-chan struct{}

	// Warm instances, created on first use and kept until Close.
	sources  map[string]audio.Source
	sessions map[string]vad.SessionHandle
	engine   stt.Engine

	loops     atomic.Int32
	captured  atomic.Int64
	dropped   atomic.Int64
	emitted   atomic.Int64
	classErrs atomic.Int64
}

// New creates a stopped controller. Nothing is opened until the first Start.
func New(cfg Config, deps Deps, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Sources == nil || deps.VAD == nil || deps.Engine == nil {
		return nil, errors.New("listener: sources, VAD and engine are required")
	}
	c := &Controller{
		cfg:      cfg,
		deps:     deps,
		now:      time.Now,
		sources:  make(map[string]audio.Source),
		sessions: make(map[string]vad.SessionHandle),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// session is the state of one Start..Stop cycle.
type session struct {
	Session
	source     audio.Source
	classifier *Classifier
	assembler  *Assembler
	emitter    *Emitter
	queue      *frameQueue
	callback   Callback
	log        *slog.Logger

	stop          chan struct{}
	stopOnce      sync.Once
	cancelCapture context.CancelFunc
	captureCtx    context.Context
	engineCtx     context.Context
	cancelEngine  context.CancelFunc
	captureDone   chan struct{}
	processDone   chan struct{}
	readErr       error
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Listening reports whether a session is active.
func (c *Controller) Listening() bool {
	return c.State() == StateListening
}

// Current returns the running session, if any.
func (c *Controller) Current() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || c.state != StateListening {
		return Session{}, false
	}
	return c.sess.Session, true
}

// ActiveLoops returns the number of running capture and process goroutines.
// It is 2 while listening and 0 once fully stopped.
func (c *Controller) ActiveLoops() int {
	return int(c.loops.Load())
}

// Stats returns cumulative pipeline counters.
func (c *Controller) Stats() Stats {
	return Stats{
		FramesCaptured:   c.captured.Load(),
		FramesDropped:    c.dropped.Load(),
		Utterances:       c.emitted.Load(),
		ClassifierErrors: c.classErrs.Load(),
	}
}

// Start opens the capture device for opts.Source and launches the capture and
// process loops. cb receives every transcript.
//
// It returns [ErrAlreadyListening] unless the controller is stopped. Device
// errors wrap [audio.ErrDeviceUnavailable] and leave the controller stopped.
func (c *Controller) Start(ctx context.Context, opts StartOptions, cb Callback) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateStopped {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	c.state = StateStarting
	c.mu.Unlock()

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.state = StateStopped
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	sess, err := c.startSession(ctx, opts, cb)
	if err != nil {
		c.setState(StateStopped)
		return err
	}

	c.mu.Lock()
	c.sess = sess
	c.state = StateListening
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, 1)
	sess.log.Info("listener: listening",
		"language", sess.Language,
		"sample_rate", c.cfg.Format.SampleRate,
		"frame_ms", c.cfg.Format.FrameDurationMs,
	)
	go c.supervise(sess)
	return nil
}

func (c *Controller) startSession(ctx context.Context, opts StartOptions, cb Callback) (*session, error) {
	tag := opts.Source
	if tag == "" {
		tag = memory.SourceMicrophone
	}
	lang := opts.Language
	if lang == "" {
		lang = c.cfg.Language
	}

	// A process loop left running by a timed-out Stop must finish first.
	c.mu.Lock()
	straggler := c.straggler
	c.mu.Unlock()
	if straggler != nil {
		select {
		case <-straggler:
		case <-ctx.Done():
			return nil, fmt.Errorf("listener: start: waiting for previous session: %w", ctx.Err())
		}
		c.mu.Lock()
		c.straggler = nil
		c.mu.Unlock()
	}

	src, vadSess, engine, err := c.warm(tag)
	if err != nil {
		return nil, err
	}
	if err := src.Open(ctx); err != nil {
		if !errors.Is(err, audio.ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		return nil, fmt.Errorf("listener: start %s: %w", tag, err)
	}
	vadSess.Reset()

	id := uuid.NewString()
	s := &session{
		Session: Session{
			ID:        id,
			Source:    tag,
			Language:  lang,
			StartedAt: c.now().UTC(),
		},
		source:     src,
		classifier: NewClassifier(vadSess),
		assembler: NewAssembler(AssemblerConfig{
			Format:         c.cfg.Format,
			HangoverFrames: c.cfg.HangoverFrames,
			MinUtterance:   c.cfg.MinUtterance,
			MaxUtterance:   c.cfg.MaxUtterance,
			OnDiscard: func(time.Duration) {
				c.metrics.RecordUtterance(context.Background(), observe.OutcomeTooShort)
			},
		}),
		emitter: NewEmitter(engine, EmitterConfig{
			Source:    tag,
			Speaker:   c.cfg.Speaker,
			Language:  lang,
			SessionID: id,
			Metrics:   c.metrics,
			Now:       c.now,
		}),
		queue:       newFrameQueue(c.cfg.QueueSize, c.cfg.Overflow, c.cfg.OverflowWait),
		callback:    cb,
		log:         slog.With("session_id", id, "source", tag),
		stop:        make(chan struct{}),
		captureDone: make(chan struct{}),
		processDone: make(chan struct{}),
	}
	s.captureCtx, s.cancelCapture = context.WithCancel(context.Background())
	s.engineCtx, s.cancelEngine = context.WithCancel(context.Background())

	c.loops.Add(2)
	go c.captureLoop(s)
	go c.processLoop(s)
	return s, nil
}

// warm returns the cached instances for tag, creating missing ones.
func (c *Controller) warm(tag string) (audio.Source, vad.SessionHandle, stt.Engine, error) {
	c.mu.Lock()
	src := c.sources[tag]
	vadSess := c.sessions[tag]
	engine := c.engine
	c.mu.Unlock()

	if src == nil {
		s, err := c.deps.Sources(tag)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("listener: start %s: %w", tag, err)
		}
		if s.Format() != c.cfg.Format {
			return nil, nil, nil, fmt.Errorf("listener: start %s: device format %+v does not match pipeline format %+v",
				tag, s.Format(), c.cfg.Format)
		}
		src = s
		c.mu.Lock()
		c.sources[tag] = src
		c.mu.Unlock()
		slog.Debug("listener: capture device created", "source", tag)
	}
	if vadSess == nil {
		v, err := c.deps.VAD.NewSession(vad.Config{
			SampleRate:     c.cfg.Format.SampleRate,
			FrameSizeMs:    c.cfg.Format.FrameDurationMs,
			Aggressiveness: c.cfg.Aggressiveness,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("listener: start %s: vad session: %w", tag, err)
		}
		vadSess = v
		c.mu.Lock()
		c.sessions[tag] = vadSess
		c.mu.Unlock()
	}
	if engine == nil {
		e, err := c.deps.Engine()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("listener: start %s: stt engine: %w", tag, err)
		}
		engine = e
		c.mu.Lock()
		c.engine = engine
		c.mu.Unlock()
		slog.Debug("listener: stt engine initialised")
	}
	return src, vadSess, engine, nil
}

// captureLoop reads frames into the queue until stop or a read error.
func (c *Controller) captureLoop(s *session) {
	defer close(s.captureDone)
	defer c.loops.Add(-1)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		f, err := s.source.ReadFrame(s.captureCtx)
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.readErr = err
				s.log.Error("listener: capture ended", "err", err)
			}
			return
		}
		c.captured.Add(1)
		c.metrics.FramesCaptured.Add(context.Background(), 1)

		if n := s.queue.push(f, s.stop); n > 0 {
			c.dropped.Add(int64(n))
			c.metrics.FramesDropped.Add(context.Background(), int64(n))
			s.log.Warn("listener: frame queue full, dropped frames",
				"dropped", n,
				"policy", string(c.cfg.Overflow),
				"seq", f.Seq,
			)
		}
	}
}

// processLoop is the single owner of the classifier, assembler and emitter.
func (c *Controller) processLoop(s *session) {
	defer close(s.processDone)
	defer s.cancelEngine()
	defer c.loops.Add(-1)

	for {
		select {
		case <-s.stop:
			c.finish(s, c.cfg.StopPolicy)
			return
		default:
		}
		select {
		case f := <-s.queue.ch:
			c.handle(s, f)
		case <-s.stop:
			c.finish(s, c.cfg.StopPolicy)
			return
		case <-s.captureDone:
			policy := StopFinish
			select {
			case <-s.stop:
				policy = c.cfg.StopPolicy
			default:
				// The capture loop ended on its own; keep what was captured.
			}
			c.finish(s, policy)
			return
		}
	}
}

func (c *Controller) handle(s *session, f audio.AudioFrame) {
	before := s.classifier.Errors()
	speech := s.classifier.Classify(f.Data)
	if d := s.classifier.Errors() - before; d > 0 {
		c.classErrs.Add(d)
	}
	if u, ok := s.assembler.Push(f, speech); ok {
		c.emit(s, u)
	}
}

func (c *Controller) finish(s *session, policy StopPolicy) {
	if policy == StopDiscard {
		dropped := s.queue.drain()
		partial := s.assembler.Accumulating()
		s.assembler.Reset()
		if partial {
			c.metrics.RecordUtterance(context.Background(), observe.OutcomeDiscarded)
		}
		s.log.Debug("listener: discarded pending audio", "frames", len(dropped), "partial", partial)
		return
	}
	for _, f := range s.queue.drain() {
		c.handle(s, f)
	}
	if u, ok := s.assembler.Flush(); ok {
		c.emit(s, u)
	}
}

func (c *Controller) emit(s *session, u Utterance) {
	cbCtx := context.WithoutCancel(s.engineCtx)
	if _, ok := s.emitter.Emit(s.engineCtx, u, func(_ context.Context, t memory.Transcript) error {
		if s.callback == nil {
			return nil
		}
		return s.callback(cbCtx, t)
	}); ok {
		c.emitted.Add(1)
	}
}

// requestStop signals both loops. Safe to call more than once.
func (s *session) requestStop(policy StopPolicy) {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.cancelCapture()
		if policy == StopDiscard {
			s.cancelEngine()
		}
	})
}

// supervise tears the session down when the capture loop ends on its own.
func (c *Controller) supervise(s *session) {
	select {
	case <-s.stop:
		return
	case <-s.captureDone:
	}
	select {
	case <-s.stop:
		return
	default:
	}

	<-s.processDone

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.mu.Lock()
	if c.sess != s || c.state != StateListening {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()

	s.log.Warn("listener: session ended by capture failure, start again to resume", "err", s.readErr)
	c.shutdown(context.Background(), s)
}

// Stop ends the running session. It is a no-op when the controller is
// stopped or already stopping. It waits up to the join timeout for each loop;
// a process loop still busy after that finishes in the background and the
// next Start waits for it.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == StateStopped || st == StateStopping {
		slog.Info("listener: stop ignored", "state", st.String())
		return nil
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.state != StateListening || c.sess == nil {
		st := c.state
		c.mu.Unlock()
		slog.Info("listener: stop ignored", "state", st.String())
		return nil
	}
	s := c.sess
	c.state = StateStopping
	c.mu.Unlock()

	return c.shutdown(ctx, s)
}

// shutdown stops s and returns the controller to Stopped. The caller holds
// the lifecycle lock and has moved the state to Stopping.
func (c *Controller) shutdown(ctx context.Context, s *session) error {
	start := time.Now()
	s.requestStop(c.cfg.StopPolicy)

	var errs []error
	if !c.join(ctx, s.captureDone) {
		s.log.Warn("listener: capture loop did not stop in time, closing device", "timeout", c.cfg.JoinTimeout)
	}
	if err := s.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("listener: close device: %w", err))
	}
	if !c.join(ctx, s.processDone) {
		s.log.Warn("listener: process loop still busy, it will finish in the background", "timeout", c.cfg.JoinTimeout)
		c.mu.Lock()
		c.straggler = s.processDone
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.sess = nil
	c.state = StateStopped
	c.mu.Unlock()
	c.metrics.ActiveSessions.Add(context.Background(), -1)

	s.log.Info("listener: stopped",
		"listened_for", time.Since(s.StartedAt).Round(time.Millisecond),
		"shutdown", time.Since(start).Round(time.Millisecond),
	)
	return errors.Join(errs...)
}

// join waits for done for at most the join timeout.
func (c *Controller) join(ctx context.Context, done <-chan struct{}) bool {
	t := time.NewTimer(c.cfg.JoinTimeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Close stops any running session and releases the warm VAD sessions,
// devices and engine. The controller cannot be started again.
func (c *Controller) Close() error {
	stopErr := c.Stop(context.Background())

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return stopErr
	}
	c.closed = true
	sources := c.sources
	sessions := c.sessions
	engine := c.engine
	straggler := c.straggler
	c.sources = nil
	c.sessions = nil
	c.engine = nil
	c.mu.Unlock()

	if straggler != nil {
		<-straggler
	}

	errs := []error{stopErr}
	for tag, v := range sessions {
		if err := v.Close(); err != nil {
			errs = append(errs, fmt.Errorf("listener: close vad %s: %w", tag, err))
		}
	}
	for tag, s := range sources {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("listener: close device %s: %w", tag, err))
		}
	}
	if cl, ok := engine.(stt.Closer); ok {
		if err := cl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("listener: close engine: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Closed reports whether Close has been called.
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
