package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/vango-go/vai-assistant/pkg/core"
	"github.com/vango-go/vai-assistant/pkg/core/cost"
	"github.com/vango-go/vai-assistant/pkg/core/dialogue"
	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// Termination reasons not derived from an error type.
const (
	ReasonClientTerminated = "client_terminated"
	ReasonTransportClosed  = "transport_closed"
	ReasonContextCanceled  = "context_canceled"
	ReasonShutdown         = "shutdown"
	ReasonInternalError    = "internal_error"
)

// Pipeline is the adapter set and dialogue a session runs.
type Pipeline struct {
	Transcriber    core.Transcriber
	Generator      core.Generator
	Synthesizer    core.Synthesizer
	Graph          *dialogue.Graph
	SystemPrompt   string
	WelcomeMessage string
}

// Options identify a session and inject its collaborators.
type Options struct {
	ID         string
	AgentID    string
	Vars       map[string]string
	FeePercent float64
	Logger     *slog.Logger
	Now        func() time.Time
}

// Snapshot is a point-in-time view of a running session.
type Snapshot struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	State     State         `json:"state"`
	NodeID    string        `json:"node_id"`
	StartedAt time.Time     `json:"started_at"`
	Turns     int           `json:"turns"`
	Costs     cost.Snapshot `json:"costs"`
	Total     float64       `json:"total"`
}

// activeCall is the coordinator's view of one adapter call.
type activeCall struct {
	id        uint64
	role      core.Role
	cancel    context.CancelFunc
	final     bool
	cancelled bool
	settled   bool // a turn carries obs
	obs       []types.Observation
	nodeID    string

	// transcriber
	audio      *feed[[]byte]
	audioBytes int

	// generator
	text strings.Builder

	// synthesizer
	input    *feed[string]
	spoken   strings.Builder
	outBytes int
}

type controlKind int

const (
	controlInterrupt controlKind = iota
	controlWarn
)

type control struct {
	kind    controlKind
	code    string
	message string
	reply   chan error
}

// Session coordinates one conversation: transcription, generation, and
// synthesis calls, the dialogue cursor, interruption, and cost.
//
// All conversation state is owned by a single coordinator goroutine started
// by Start. Public methods communicate with it over channels; State, Cost,
// Transcript, and Snapshot read concurrently safe copies.
type Session struct {
	id        string
	agentID   string
	cfg       Config
	pipeline  Pipeline
	vars      map[string]string
	fee       float64
	logger    *slog.Logger
	now       func() time.Time
	startedAt time.Time

	ledger     *cost.Ledger
	transcript *types.Transcript
	cursor     *dialogue.Cursor

	// Owned by the coordinator goroutine.
	ctx          context.Context
	calls        map[uint64]*activeCall
	lastCallID   uint64
	stt          *activeCall
	llm          *activeCall
	tts          *activeCall
	chunker      *TTSBuffer
	preRoll      *RingBuffer
	backlog      *AudioBuffer
	activity     *ActivityDetector
	interrupt    *InterruptDetector
	userSpeaking bool
	failure      error

	// Usage no turn carries yet: calls without a turn, and reports that
	// arrived after their call's turn was appended.
	unsettled    map[uint64]*activeCall
	unattributed []types.Observation

	state   atomic.Int32
	node    atomic.Pointer[string]
	started atomic.Bool
	dropped atomic.Int64
	record  atomic.Pointer[types.SessionRecord]

	audioIn    chan []byte
	controls   chan control
	callEvents chan callEvent
	events     chan Event

	stopOnce   sync.Once
	stop       chan struct{}
	stopReason string

	exited chan struct{}
	done   chan struct{}
}

// NewSession validates cfg and creates an unstarted session.
func NewSession(cfg Config, p Pipeline, opts Options) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case p.Transcriber == nil:
		return nil, invalidConfig("pipeline transcriber is required", "transcriber")
	case p.Generator == nil:
		return nil, invalidConfig("pipeline generator is required", "generator")
	case p.Synthesizer == nil:
		return nil, invalidConfig("pipeline synthesizer is required", "synthesizer")
	case p.Graph == nil:
		return nil, invalidConfig("pipeline dialogue graph is required", "dialogue")
	}
	cfg = cfg.withDefaults()
	if st, ok := p.Transcriber.(core.SessionTranscriber); ok {
		p.Transcriber = st.ForSession()
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	vars := make(map[string]string, len(opts.Vars))
	for k, v := range opts.Vars {
		vars[k] = v
	}

	s := &Session{
		id:         id,
		agentID:    opts.AgentID,
		cfg:        cfg,
		pipeline:   p,
		vars:       vars,
		fee:        opts.FeePercent,
		logger:     logger.With("session_id", id, "agent_id", opts.AgentID),
		now:        now,
		startedAt:  now(),
		ledger:     cost.NewLedger(),
		transcript: &types.Transcript{},
		cursor:     p.Graph.NewCursor(),
		calls:      make(map[uint64]*activeCall),
		unsettled:  make(map[uint64]*activeCall),
		chunker:    NewTTSBuffer(),
		preRoll:    NewRingBuffer(cfg.Audio, cfg.Activity.PreRollMs),
		backlog:    NewAudioBuffer(cfg.Audio, cfg.MaxBacklogMs),
		activity:   NewActivityDetector(cfg.Activity.EnergyThreshold, cfg.Activity.MinSpeechMs, cfg.Audio),
		interrupt:  NewInterruptDetector(cfg.Interrupt, cfg.Audio),
		audioIn:    make(chan []byte, 64),
		controls:   make(chan control, 8),
		callEvents: make(chan callEvent, 64),
		events:     make(chan Event, cfg.EventBuffer),
		stop:       make(chan struct{}),
		exited:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	start := p.Graph.Start()
	s.node.Store(&start)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// AgentID returns the agent the session runs.
func (s *Session) AgentID() string { return s.agentID }

// State returns the current session state.
func (s *Session) State() State { return State(s.state.Load()) }

// NodeID returns the current dialogue node.
func (s *Session) NodeID() string { return *s.node.Load() }

// Events returns the channel of session events. It is closed after
// session.closed.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session has terminated and its record is available.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cost returns the ledger without blocking the coordinator.
func (s *Session) Cost() cost.Snapshot { return s.ledger.Snapshot() }

// Transcript returns a copy of the transcript so far.
func (s *Session) Transcript() []types.Turn { return s.transcript.Turns() }

// Record returns the session record once the session has terminated.
func (s *Session) Record() (types.SessionRecord, bool) {
	rec := s.record.Load()
	if rec == nil {
		return types.SessionRecord{}, false
	}
	return *rec, true
}

// Snapshot returns a point-in-time view of the session.
func (s *Session) Snapshot() Snapshot {
	c := s.Cost()
	return Snapshot{
		ID:        s.id,
		AgentID:   s.agentID,
		State:     s.State(),
		NodeID:    s.NodeID(),
		StartedAt: s.startedAt,
		Turns:     s.transcript.Len(),
		Costs:     c,
		Total:     c.Total(),
	}
}

// Start launches the coordinator.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("session already started")
	}
	go s.run(ctx)
	return nil
}

// Feed delivers one frame of PCM16LE user audio.
func (s *Session) Feed(audio []byte) error {
	select {
	case <-s.done:
		return core.NewTransportClosedError("session terminated")
	default:
	}
	if len(audio) == 0 {
		return nil
	}
	frame := append([]byte(nil), audio...)
	select {
	case s.audioIn <- frame:
		return nil
	case <-s.done:
		return core.NewTransportClosedError("session terminated")
	}
}

// Interrupt cancels the agent's current response. It returns an
// interruption_race error when nothing is being synthesized.
func (s *Session) Interrupt() error {
	if !s.started.Load() {
		return core.NewInterruptionRaceError(strings.ToLower(StateIdle.String()))
	}
	reply := make(chan error, 1)
	select {
	case s.controls <- control{kind: controlInterrupt, reply: reply}:
	case <-s.done:
		return core.NewTransportClosedError("session terminated")
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return core.NewTransportClosedError("session terminated")
	}
}

// Warn sends an advisory warning event to the client.
func (s *Session) Warn(code, message string) {
	select {
	case s.controls <- control{kind: controlWarn, code: code, message: message}:
	case <-s.done:
	default:
	}
}

// Terminate asks the session to stop. It returns immediately; wait on Done.
// Only the first reason is kept.
func (s *Session) Terminate(reason string) {
	s.stopOnce.Do(func() {
		s.stopReason = reason
		close(s.stop)
	})
	// An unstarted session still needs its coordinator to record the termination.
	if s.started.CompareAndSwap(false, true) {
		go s.run(context.Background())
	}
}

func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	s.emit(&SessionCreatedEvent{
		SessionID:  s.id,
		AgentID:    s.agentID,
		NodeID:     s.cursor.Current(),
		SampleRate: s.cfg.Audio.SampleRate,
		Channels:   s.cfg.Audio.Channels,
	})
	s.setState(StateListening)

	if welcome := strings.TrimSpace(dialogue.RenderPrompt(s.pipeline.WelcomeMessage, s.vars)); welcome != "" {
		select {
		case <-s.stop:
		default:
			s.say(welcome, s.cursor.Current())
			s.tts.input.Close()
		}
	}

	for {
		select {
		case <-s.stop:
			s.terminate(s.stopReason, nil)
			return
		case <-ctx.Done():
			s.terminate(ReasonContextCanceled, nil)
			return
		case frame := <-s.audioIn:
			s.onAudio(frame)
		case c := <-s.controls:
			s.onControl(c)
		case ev := <-s.callEvents:
			s.onCallEvent(ev)
		}
		if s.failure != nil {
			s.terminate(reasonFor(s.failure), s.failure)
			return
		}
	}
}

func (s *Session) onControl(c control) {
	switch c.kind {
	case controlInterrupt:
		if st := s.State(); st != StateSynthesizing {
			c.reply <- core.NewInterruptionRaceError(strings.ToLower(st.String()))
			return
		}
		s.interruptResponse("client")
		c.reply <- nil
	case controlWarn:
		s.emit(&WarningEvent{Code: c.code, Message: c.message})
	}
}

func (s *Session) onAudio(frame []byte) {
	switch s.State() {
	case StateListening:
		s.preRoll.Write(frame)
		if s.activity.Observe(frame) {
			s.debug("AUDIO", "speech onset after %dms", s.activity.RunMs())
			seed := s.preRoll.Read()
			s.preRoll.Clear()
			s.startTranscription(seed)
		}

	case StateTranscribing:
		if s.stt != nil && s.stt.audio.Append(frame) {
			s.stt.audioBytes += len(frame)
		}

	case StateGenerating, StateSynthesizing:
		s.backlog.Write(frame)
		if s.activity.Observe(frame) && !s.userSpeaking {
			s.userSpeaking = true
			s.debug("AUDIO", "user speech while agent is busy")
		}
		if !s.userSpeaking {
			s.backlog.Keep(s.cfg.Activity.PreRollMs)
		}
		if s.State() == StateSynthesizing && s.interrupt.Observe(frame) {
			s.interruptResponse("speech")
		}
	}
}

func (s *Session) startTranscription(seed []byte) {
	s.retire(s.stt)

	in := newFeed[[]byte]()
	c := s.newCall(core.RoleTranscriber, s.cursor.Current())
	c.audio = in
	if len(seed) > 0 {
		in.Append(seed)
		c.audioBytes = len(seed)
	}
	s.stt = c
	s.backlog.Clear()
	s.userSpeaking = false

	stt := s.pipeline.Transcriber
	s.launch(c, stt.Name(), func(ctx context.Context) (*core.ChunkStream, error) {
		return stt.Transcribe(ctx, in.Reader(ctx))
	}, in.Watch)
	s.setState(StateTranscribing)
}

func (s *Session) onTranscript(c *activeCall, chunk types.StreamChunk) {
	if !chunk.Final {
		s.emit(&TranscriptDeltaEvent{Text: chunk.Text})
		return
	}
	c.final = true
	c.audio.Close()

	text := strings.TrimSpace(chunk.Text)
	s.emit(&TranscriptDeltaEvent{Text: text, IsFinal: true})
	if text == "" {
		s.debug("STT", "empty transcript, back to listening")
		s.activity.Reset()
		s.setState(StateListening)
		return
	}

	turn := types.Turn{
		ID:           newTurnID(),
		Speaker:      types.SpeakerUser,
		Stage:        types.StageTranscription,
		NodeID:       c.nodeID,
		Text:         text,
		Audio:        &types.AudioRef{Bytes: c.audioBytes, DurationMs: s.cfg.Audio.DurationMs(c.audioBytes)},
		Observations: c.obs,
		At:           s.now(),
	}
	s.appendTurn(c, turn)
	s.emit(&InputCommittedEvent{TurnID: turn.ID, Transcript: text})
	s.startGeneration()
}

func (s *Session) startGeneration() {
	s.retire(s.llm)

	node := s.cursor.Node()
	req := core.GenerateRequest{
		SystemPrompt: dialogue.RenderPrompt(s.pipeline.SystemPrompt, s.vars),
		NodeID:       node.ID,
		NodePrompt:   dialogue.RenderPrompt(node.Prompt, s.vars),
		Transcript:   s.transcript.Turns(),
		Vars:         s.vars,
	}
	c := s.newCall(core.RoleGenerator, node.ID)
	s.llm = c
	s.chunker.Reset()
	s.activity.Reset()
	s.backlog.Clear()
	s.userSpeaking = false

	gen := s.pipeline.Generator
	s.launch(c, gen.Name(), func(ctx context.Context) (*core.ChunkStream, error) {
		return gen.Generate(ctx, req)
	}, nil)
	s.setState(StateGenerating)
}

func (s *Session) onGenerated(c *activeCall, chunk types.StreamChunk) {
	s.appendGenerated(c, chunk.Text)
	if !chunk.Final {
		return
	}
	c.final = true

	var out types.GeneratorOutput
	if chunk.Output != nil {
		out = *chunk.Output
	}
	if strings.TrimSpace(c.text.String()) == "" {
		s.appendGenerated(c, out.Text)
	}
	out.Text = strings.TrimSpace(c.text.String())

	s.appendTurn(c, types.Turn{
		ID:           newTurnID(),
		Speaker:      types.SpeakerAgent,
		Stage:        types.StageGeneration,
		NodeID:       c.nodeID,
		Text:         out.Text,
		Observations: c.obs,
		At:           s.now(),
	})

	from := s.cursor.Current()
	changed, err := s.cursor.Advance(out)
	if changed {
		to := s.cursor.Current()
		s.node.Store(&to)
		s.debug("DIALOGUE", "%s -> %s (turn %d)", from, to, s.cursor.Turns())
		s.emit(&NodeChangedEvent{From: from, To: to, Turns: s.cursor.Turns()})
	}
	if err != nil {
		s.fail(err)
		return
	}

	if rest := s.chunker.Flush(); rest != "" {
		s.say(rest, c.nodeID)
	}
	if s.speaking() {
		s.tts.input.Close()
		return
	}
	s.resumeListening()
}

func (s *Session) appendGenerated(c *activeCall, delta string) {
	if delta == "" {
		return
	}
	c.text.WriteString(delta)
	s.emit(&AssistantTextEvent{Delta: delta})
	if piece := s.chunker.Add(delta); piece != "" {
		s.say(piece, c.nodeID)
	}
}

// speaking reports whether a synthesis for the current response is running.
func (s *Session) speaking() bool {
	return s.tts != nil && !s.tts.final && !s.tts.cancelled
}

// say queues text for synthesis, starting a synthesis call if needed.
func (s *Session) say(text, nodeID string) {
	if !s.speaking() {
		s.startSynthesis(nodeID)
	}
	s.tts.input.Append(text)
	if s.tts.spoken.Len() > 0 {
		s.tts.spoken.WriteByte(' ')
	}
	s.tts.spoken.WriteString(text)
}

func (s *Session) startSynthesis(nodeID string) {
	s.retire(s.tts)

	in := newFeed[string]()
	c := s.newCall(core.RoleSynthesizer, nodeID)
	c.input = in
	s.tts = c

	if s.State() == StateListening {
		s.backlog.Clear()
		s.backlog.Write(s.preRoll.Read())
		s.preRoll.Clear()
		s.userSpeaking = false
	}
	s.interrupt.Reset()

	tts := s.pipeline.Synthesizer
	s.launch(c, tts.Name(), func(ctx context.Context) (*core.ChunkStream, error) {
		return tts.Synthesize(ctx, in.Reader(ctx))
	}, in.Watch)
	s.setState(StateSynthesizing)
}

func (s *Session) onSynthesized(c *activeCall, chunk types.StreamChunk) {
	if len(chunk.Audio) > 0 {
		c.outBytes += len(chunk.Audio)
		s.emit(&AudioDeltaEvent{Data: chunk.Audio, Format: "pcm_s16le"})
	}
	if !chunk.Final {
		return
	}
	c.final = true
	s.interrupt.Disarm()

	durationMs := s.cfg.Audio.DurationMs(c.outBytes)
	s.appendTurn(c, types.Turn{
		ID:           newTurnID(),
		Speaker:      types.SpeakerAgent,
		Stage:        types.StageSynthesis,
		NodeID:       c.nodeID,
		Text:         c.spoken.String(),
		Audio:        &types.AudioRef{Bytes: c.outBytes, DurationMs: durationMs},
		Observations: c.obs,
		At:           s.now(),
	})
	s.emit(&AudioCommittedEvent{DurationMs: durationMs})

	// The synthesizer caught up with a generator that is still streaming.
	if s.llm != nil && !s.llm.final && !s.llm.cancelled {
		s.setState(StateGenerating)
		return
	}
	s.resumeListening()
}

// resumeListening returns to Listening, or straight to Transcribing when the
// user started talking while the agent was busy.
func (s *Session) resumeListening() {
	s.setState(StateListening)
	if s.userSpeaking {
		s.startTranscription(s.backlog.Read())
		return
	}
	s.preRoll.Clear()
	s.preRoll.Write(s.backlog.ReadLast(s.cfg.Activity.PreRollMs))
	s.backlog.Clear()
}

// interruptResponse tears down the current response. It returns once the
// cancelled calls have stopped or the grace period has passed.
func (s *Session) interruptResponse(source string) {
	tts := s.tts
	s.setState(StateInterrupted)
	s.interrupt.Disarm()
	s.emit(&AudioFlushEvent{})
	s.debug("INTERRUPT", "interrupted by %s", source)

	var llm *activeCall
	if s.llm != nil && !s.llm.final && !s.llm.cancelled {
		llm = s.llm
	}
	pending := []*activeCall{tts}
	s.retire(tts)
	if llm != nil {
		s.retire(llm)
		pending = append(pending, llm)
	}
	s.awaitCalls(pending)

	if llm != nil {
		s.appendTruncated(llm, types.StageGeneration)
	}
	s.appendTruncated(tts, types.StageSynthesis)
	s.chunker.Reset()

	if source == "speech" {
		s.userSpeaking = true
	}
	s.emit(&ResponseInterruptedEvent{
		PartialText:     tts.spoken.String(),
		AudioPositionMs: s.cfg.Audio.DurationMs(tts.outBytes),
		Source:          source,
	})
	s.resumeListening()
}

func (s *Session) appendTruncated(c *activeCall, stage types.Stage) {
	turn := types.Turn{
		ID:           newTurnID(),
		Speaker:      types.SpeakerAgent,
		Stage:        stage,
		NodeID:       c.nodeID,
		Truncated:    true,
		Observations: c.obs,
		At:           s.now(),
	}
	switch stage {
	case types.StageGeneration:
		turn.Text = strings.TrimSpace(c.text.String())
	case types.StageSynthesis:
		turn.Text = c.spoken.String()
		turn.Audio = &types.AudioRef{Bytes: c.outBytes, DurationMs: s.cfg.Audio.DurationMs(c.outBytes)}
	}
	s.appendTurn(c, turn)
}

// appendTurn appends c's turn. Usage c reports afterwards is unattributed.
func (s *Session) appendTurn(c *activeCall, turn types.Turn) {
	c.settled = true
	delete(s.unsettled, c.id)
	s.transcript.Append(turn)
}

// appendUsageTurn records the usage no turn carries, so the transcript's
// turn costs add up to the ledger.
func (s *Session) appendUsageTurn() {
	obs := s.unattributed
	for _, id := range slices.Sorted(maps.Keys(s.unsettled)) {
		obs = append(obs, s.unsettled[id].obs...)
	}
	if len(obs) == 0 {
		return
	}
	s.transcript.Append(types.Turn{
		ID:           newTurnID(),
		Speaker:      types.SpeakerSystem,
		Stage:        types.StageUsage,
		NodeID:       s.cursor.Current(),
		Observations: obs,
		At:           s.now(),
	})
}

func (s *Session) newCall(role core.Role, nodeID string) *activeCall {
	s.lastCallID++
	c := &activeCall{id: s.lastCallID, role: role, nodeID: nodeID}
	s.calls[c.id] = c
	s.unsettled[c.id] = c
	return c
}

func (s *Session) launch(c *activeCall, provider string, start func(context.Context) (*core.ChunkStream, error), watch func() <-chan struct{}) {
	ctx, cancel := context.WithCancel(s.ctx)
	c.cancel = cancel
	p := &pump{
		id:       c.id,
		role:     c.role,
		provider: provider,
		start:    start,
		watch:    watch,

		// Partial transcripts may be revised, so a transcription restarts
		// from the first frame instead of failing the session.
		restartable: c.role == core.RoleTranscriber,
		timeout:     s.cfg.Timeouts.For(c.role),
		grace:       s.cfg.CancelGrace,
		retry:       s.cfg.Retry,
		out:         s.callEvents,
		exited:      s.exited,
		logger:      s.logger,
	}
	s.debug(strings.ToUpper(string(c.role)), "call %d started (%s)", c.id, provider)
	go p.run(ctx)
}

// retire cancels a call. Its remaining usage is still booked; its chunks are ignored.
func (s *Session) retire(c *activeCall) {
	if c == nil || c.cancelled {
		return
	}
	c.cancelled = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.audio != nil {
		c.audio.Close()
	}
	if c.input != nil {
		c.input.Close()
	}
}

func (s *Session) current(c *activeCall) bool {
	return c != nil && !c.cancelled && (c == s.stt || c == s.llm || c == s.tts)
}

func (s *Session) onCallEvent(ev callEvent) {
	c := s.calls[ev.callID]
	switch ev.kind {
	case callUsage:
		s.book(c, ev.usage)

	case callDone:
		if c == nil {
			return
		}
		delete(s.calls, ev.callID)
		c.cancel()
		if !s.current(c) {
			return
		}
		switch {
		case ev.err == nil && c.final:
		case c.final:
			// The call already completed its turn; report the violation and carry on.
			s.logger.Warn("adapter misbehaved after its final chunk", "role", c.role, "error", ev.err)
			s.emitError(ev.err)
		case ev.err != nil:
			s.logger.Error("adapter call failed", "role", c.role, "attempts", ev.attempts, "error", ev.err)
			s.fail(ev.err)
		default:
			s.fail(core.NewStreamProtocolError(c.role, "", "call ended without a final chunk"))
		}

	case callChunk:
		if !s.current(c) {
			return
		}
		switch c.role {
		case core.RoleTranscriber:
			s.onTranscript(c, ev.chunk)
		case core.RoleGenerator:
			s.onGenerated(c, ev.chunk)
		case core.RoleSynthesizer:
			s.onSynthesized(c, ev.chunk)
		}
	}
}

// book adds usage to the ledger and to the call that reported it.
func (s *Session) book(c *activeCall, obs []types.Observation) {
	booked := false
	for _, o := range obs {
		if err := s.ledger.Add(o); err != nil {
			s.logger.Warn("dropping usage observation", "error", err)
			continue
		}
		booked = true
		if c != nil && !c.settled {
			c.obs = append(c.obs, o)
		} else {
			s.unattributed = append(s.unattributed, o)
		}
	}
	if booked {
		snap := s.ledger.Snapshot()
		s.emit(&CostUpdatedEvent{Costs: snap, Total: snap.Total()})
	}
}

// awaitCalls processes call events until every call in calls has exited or
// cfg.cancelWait has passed.
func (s *Session) awaitCalls(calls []*activeCall) {
	deadline := time.NewTimer(s.cfg.cancelWait())
	defer deadline.Stop()
	for {
		waiting := 0
		for _, c := range calls {
			if _, live := s.calls[c.id]; live {
				waiting++
			}
		}
		if waiting == 0 {
			return
		}
		select {
		case ev := <-s.callEvents:
			s.onCallEvent(ev)
		case <-deadline.C:
			s.logger.Warn("adapter calls did not stop within grace", "pending", waiting)
			return
		}
	}
}

func (s *Session) terminate(reason string, cause error) {
	if s.State() == StateTerminated {
		return
	}
	llmOpen := s.llm != nil && !s.llm.final && !s.llm.cancelled
	ttsOpen := s.speaking()

	pending := make([]*activeCall, 0, len(s.calls))
	for _, c := range s.calls {
		s.retire(c)
		pending = append(pending, c)
	}
	s.awaitCalls(pending)

	if llmOpen {
		s.appendTruncated(s.llm, types.StageGeneration)
	}
	if ttsOpen {
		s.appendTruncated(s.tts, types.StageSynthesis)
	}
	s.interrupt.Disarm()
	s.appendUsageTurn()
	s.setState(StateTerminated)

	rec := s.buildRecord(reason, cause)
	s.record.Store(&rec)

	closed := &SessionClosedEvent{Reason: reason}
	if cause != nil {
		closed.Error = cause.Error()
		s.emitError(cause)
		s.logger.Warn("session terminated", "reason", reason, "error", cause)
	} else {
		s.logger.Info("session terminated", "reason", reason)
	}
	if n := s.dropped.Load(); n > 0 {
		s.logger.Warn("events dropped for a slow consumer", "count", n)
	}
	s.emitFinal(closed)

	close(s.exited)
	close(s.events)
	close(s.done)
}

func (s *Session) buildRecord(reason string, cause error) types.SessionRecord {
	snap := s.ledger.Snapshot()
	rec := types.SessionRecord{
		SessionID:  s.id,
		AgentID:    s.agentID,
		Reason:     reason,
		StartedAt:  s.startedAt,
		EndedAt:    s.now(),
		Vars:       s.vars,
		NodePath:   s.cursor.Path(),
		Transcript: s.transcript.Turns(),
		Costs:      snap.Map(),
		Quantities: s.ledger.Quantities(),
		Breakdown:  snap.Breakdown(s.fee),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return rec
}

func (s *Session) fail(err error) {
	if s.failure == nil {
		s.failure = err
	}
}

func reasonFor(err error) string {
	if e, ok := core.AsError(err); ok {
		return string(e.Type)
	}
	if errors.Is(err, context.Canceled) {
		return ReasonContextCanceled
	}
	return ReasonInternalError
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.debug("SESSION", "state %s -> %s", prev, next)
		s.emit(&StateChangedEvent{From: prev, To: next})
	}
}

// emit sends an event without blocking the coordinator. Events are dropped
// when the consumer falls a full buffer behind.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// emitFinal waits up to the grace period for room for the last event.
func (s *Session) emitFinal(ev Event) {
	t := time.NewTimer(s.cfg.CancelGrace)
	defer t.Stop()
	select {
	case s.events <- ev:
	case <-t.C:
		s.logger.Warn("event consumer stalled, dropping final event", "event", ev.EventType())
	}
}

func (s *Session) emitError(err error) {
	code := ReasonInternalError
	if e, ok := core.AsError(err); ok {
		code = string(e.Type)
	}
	s.emit(&ErrorEvent{Code: code, Message: err.Error()})
}

func (s *Session) debug(category, format string, args ...any) {
	if !s.cfg.Debug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Debug(msg, "category", category)
	s.emit(&DebugEvent{Category: category, Message: msg})
}

func newTurnID() string {
	return ulid.Make().String()
}
