// Package delivery moves outbound messages through Pending, Sent and
// Delivered (or Failed) and applies inbound frames to the store. Every
// mutation for one identity happens on a single event loop.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/hooke003/sidekick/internal/client/conn"
	"github.com/hooke003/sidekick/internal/client/identity"
	"github.com/hooke003/sidekick/internal/client/media"
	"github.com/hooke003/sidekick/internal/client/store"
	"github.com/hooke003/sidekick/internal/protocol"
)

const (
	DefaultAckTimeout  = 10 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
	defaultSendTimeout = 10 * time.Second
	failureBuffer      = 64
)

// Link is the part of the connection manager the coordinator drives.
type Link interface {
	Send(ctx context.Context, frame []byte) error
	Frames() <-chan []byte
	WatchState(ctx context.Context) <-chan conn.Connection
}

type Options struct {
	// AckTimeout is how long a Sent message waits for its ack.
	AckTimeout time.Duration
	// MaxAttempts bounds the transmissions of one message.
	MaxAttempts int
	// RetryDelay is the pause after a failed write before the next attempt.
	RetryDelay  time.Duration
	SendTimeout time.Duration
	MaxFrame    int
	Now         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type timerKind uint8

const (
	ackTimer timerKind = iota
	retryTimer
)

// tracked is the loop's bookkeeping for one unresolved outbound message.
type tracked struct {
	id        string
	attempts  int
	timer     *time.Timer
	gen       uint64
	resolving bool
	resolved  bool
	// parked is set while an attempt is charged for a message that waits in
	// the outbox after having been sent once. Its ack timer keeps running.
	parked bool
}

type submission struct {
	msg   protocol.Message
	reply chan submitResult
}

type submitResult struct {
	msg protocol.Message
	err error
}

type resendRequest struct {
	id    string
	reply chan error
}

type timerFired struct {
	id   string
	gen  uint64
	kind timerKind
}

type resolution struct {
	id    string
	media protocol.Media
	err   error
}

type Coordinator struct {
	self     identity.Identity
	link     Link
	store    *store.Store
	codec    protocol.Codec
	resolver media.Resolver
	opts     Options
	log      logrus.FieldLogger
	metrics  *Metrics

	submit   chan submission
	resend   chan resendRequest
	timers   chan timerFired
	resolved chan resolution
	failures chan Failure
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
	// keepOutbox leaves unresolved messages in the store when the loop stops.
	keepOutbox atomic.Bool

	// Owned by the loop.
	ctx         context.Context
	inflight    map[string]*tracked
	outbox      []string
	connected   bool
	lastCreated time.Time
}

func New(self identity.Identity, link Link, st *store.Store, resolver media.Resolver, opts Options, log logrus.FieldLogger, metrics *Metrics) *Coordinator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	opts = opts.withDefaults()
	return &Coordinator{
		self:     self,
		link:     link,
		store:    st,
		codec:    protocol.NewCodec(opts.MaxFrame),
		resolver: resolver,
		opts:     opts,
		log:      log.WithFields(logrus.Fields{"component": "delivery", "user_id": self.ID}),
		metrics:  metrics,
		submit:   make(chan submission),
		resend:   make(chan resendRequest),
		timers:   make(chan timerFired, 16),
		resolved: make(chan resolution, 16),
		failures: make(chan Failure, failureBuffer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		inflight: make(map[string]*tracked),
	}
}

// Failures yields messages that ended Failed for good. Reading is optional;
// failures are dropped when nobody keeps up.
func (c *Coordinator) Failures() <-chan Failure {
	return c.failures
}

// SendText stores a Pending text message and schedules its delivery. It
// never waits for the network.
func (c *Coordinator) SendText(ctx context.Context, recipientID, text string) (protocol.Message, error) {
	if strings.TrimSpace(text) == "" {
		return protocol.Message{}, ErrEmptyMessage
	}
	return c.enqueue(ctx, protocol.Message{
		RecipientID: recipientID,
		Kind:        protocol.KindText,
		Text:        text,
	})
}

// SendMedia stores a Pending media message. The asset is resolved before the
// first transmission.
func (c *Coordinator) SendMedia(ctx context.Context, recipientID string, asset media.Asset) (protocol.Message, error) {
	if !asset.Kind.IsMedia() {
		return protocol.Message{}, fmt.Errorf("kind %q: %w", asset.Kind, media.ErrUnsupported)
	}
	return c.enqueue(ctx, protocol.Message{
		RecipientID: recipientID,
		Kind:        asset.Kind,
		Media:       &protocol.Media{URI: asset.URI, Width: asset.Width, Height: asset.Height},
	})
}

func (c *Coordinator) enqueue(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	if m.RecipientID == "" || m.RecipientID == c.self.ID {
		return protocol.Message{}, fmt.Errorf("%q: %w", m.RecipientID, ErrInvalidRecipient)
	}
	m.SenderID = c.self.ID

	reply := make(chan submitResult, 1)
	select {
	case c.submit <- submission{msg: m, reply: reply}:
	case <-c.done:
		return protocol.Message{}, ErrSessionClosed
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
	res := <-reply
	return res.msg, res.err
}

// Resend retries a Failed message with a fresh attempt budget.
func (c *Coordinator) Resend(ctx context.Context, id string) error {
	reply := make(chan error, 1)
	select {
	case c.resend <- resendRequest{id: id, reply: reply}:
	case <-c.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

// Shutdown stops the loop, cancels every timer and fails the messages that
// are still unresolved with ErrSessionClosed.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	if !c.started.Load() {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop and cancels every timer but leaves unresolved messages
// Pending or Sent, so a later session for the same identity restores and
// delivers them.
func (c *Coordinator) Close(ctx context.Context) error {
	c.keepOutbox.Store(true)
	return c.Shutdown(ctx)
}

// Run is the event loop. It returns when ctx is done or after Shutdown.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("delivery: coordinator already running")
	}
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = ctx

	states := c.link.WatchState(ctx)
	frames := c.link.Frames()
	c.restoreOutbox()
	c.log.Info("Delivery loop started")

	for {
		select {
		case <-ctx.Done():
			c.finish()
			return ctx.Err()
		case <-c.stop:
			c.finish()
			return nil
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			c.onState(st)
		case data := <-frames:
			c.onFrame(data)
		case s := <-c.submit:
			c.onSubmit(s)
		case r := <-c.resend:
			r.reply <- c.onResend(r.id)
		case t := <-c.timers:
			c.onTimer(t)
		case r := <-c.resolved:
			c.onResolved(r)
		}
	}
}

func (c *Coordinator) restoreOutbox() {
	for _, m := range c.store.Outbox() {
		if m.State == protocol.StateSent {
			c.transition(m.ID, protocol.StatePending, "")
		}
		c.inflight[m.ID] = &tracked{id: m.ID}
		c.queue(m.ID)
	}
	if len(c.outbox) > 0 {
		c.log.WithField("messages", len(c.outbox)).Info("Restored outbox")
	}
}

func (c *Coordinator) onSubmit(s submission) {
	m := s.msg
	m.ID = protocol.NewMessageID()
	m.ConversationID = protocol.ConversationID(m.SenderID, m.RecipientID)
	m.CreatedAt = c.nextCreatedAt()
	m.State = protocol.StatePending

	// Reject what could never be encoded before it reaches the conversation.
	if _, err := c.codec.Encode(m); err != nil {
		s.reply <- submitResult{err: err}
		return
	}
	if _, err := c.store.Append(m); err != nil {
		s.reply <- submitResult{err: err}
		return
	}
	c.metrics.Submitted.WithLabelValues(string(m.Kind)).Inc()
	s.reply <- submitResult{msg: m}

	t := &tracked{id: m.ID}
	c.inflight[m.ID] = t
	c.transmit(t)
}

// nextCreatedAt keeps creation times strictly increasing so that local order
// matches submission order even when the clock stalls or steps back.
func (c *Coordinator) nextCreatedAt() time.Time {
	now := c.opts.Now().UTC().Round(0)
	if !now.After(c.lastCreated) {
		now = c.lastCreated.Add(time.Nanosecond)
	}
	c.lastCreated = now
	return now
}

// transmit makes one delivery attempt, or parks the message until it can.
func (c *Coordinator) transmit(t *tracked) {
	m, ok := c.store.Get(t.id)
	if !ok || !m.State.Unresolved() {
		c.untrack(t.id)
		return
	}
	if m.Kind.IsMedia() && !t.resolved {
		c.startResolve(t, m)
		return
	}
	if !c.connected {
		c.park(t)
		return
	}

	frame, err := c.codec.Encode(m)
	if err != nil {
		c.fail(t, m, err)
		return
	}

	// An attempt charged while parked is this one.
	charged := t.parked
	if charged {
		t.parked = false
	} else {
		t.attempts++
	}
	sctx, cancel := context.WithTimeout(c.ctx, c.opts.SendTimeout)
	err = c.link.Send(sctx, frame)
	cancel()

	log := c.log.WithFields(logrus.Fields{
		"message_id": m.ID,
		"attempt":    t.attempts,
	})
	switch {
	case errors.Is(err, conn.ErrNotConnected):
		c.connected = false
		if charged {
			t.parked = true
		} else {
			t.attempts--
		}
		c.park(t)
		log.Debug("Not connected, message queued")
	case err != nil:
		log.WithField("error", err.Error()).Warn("Send failed")
		if t.attempts >= c.opts.MaxAttempts {
			c.fail(t, m, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, t.attempts, err))
			return
		}
		c.transition(t.id, protocol.StateFailed, err.Error())
		c.arm(t, retryTimer, c.opts.RetryDelay)
	default:
		c.metrics.Transmitted.Inc()
		if t.attempts > 1 {
			c.metrics.Retransmitted.Inc()
		}
		c.transition(t.id, protocol.StateSent, "")
		c.arm(t, ackTimer, c.opts.AckTimeout)
		log.Debug("Message sent")
	}
}

func (c *Coordinator) startResolve(t *tracked, m protocol.Message) {
	if t.resolving {
		return
	}
	if c.resolver == nil {
		t.resolved = true
		c.transmit(t)
		return
	}
	t.resolving = true
	asset := media.Asset{URI: m.Media.URI, Kind: m.Kind, Width: m.Media.Width, Height: m.Media.Height}
	ctx := c.ctx
	go func() {
		resolved, err := c.resolver.Resolve(ctx, asset)
		select {
		case c.resolved <- resolution{id: t.id, media: resolved, err: err}:
		case <-c.done:
		}
	}()
}

func (c *Coordinator) onResolved(r resolution) {
	t, ok := c.inflight[r.id]
	if !ok {
		return
	}
	t.resolving = false
	m, ok := c.store.Get(r.id)
	if !ok {
		c.untrack(r.id)
		return
	}
	if r.err != nil {
		err := r.err
		if !errors.Is(err, media.ErrUnresolvable) {
			err = fmt.Errorf("%w: %v", media.ErrUnresolvable, err)
		}
		c.fail(t, m, err)
		return
	}
	if err := c.store.SetMedia(r.id, r.media); err != nil {
		c.log.WithFields(logrus.Fields{"message_id": r.id, "error": err.Error()}).Warn("Failed to record resolved media")
	}
	t.resolved = true
	c.transmit(t)
}

func (c *Coordinator) onTimer(ev timerFired) {
	t, ok := c.inflight[ev.id]
	if !ok || t.gen != ev.gen {
		return
	}
	t.timer = nil

	switch ev.kind {
	case ackTimer:
		t.parked = false
		c.metrics.AckTimeouts.Inc()
		c.log.WithFields(logrus.Fields{
			"message_id": ev.id,
			"attempt":    t.attempts,
		}).Warn("Acknowledgement timed out")
		if t.attempts >= c.opts.MaxAttempts {
			m, _ := c.store.Get(ev.id)
			c.fail(t, m, fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, t.attempts, ErrAckTimeout))
			return
		}
	case retryTimer:
	}
	c.transition(ev.id, protocol.StatePending, "")
	c.transmit(t)
}

func (c *Coordinator) onResend(id string) error {
	m, ok := c.store.Get(id)
	if !ok {
		return fmt.Errorf("resend %s: %w", id, store.ErrUnknownMessage)
	}
	if m.SenderID != c.self.ID || m.State != protocol.StateFailed {
		return fmt.Errorf("resend %s while %s: %w", id, m.State, ErrNotResendable)
	}
	t, ok := c.inflight[id]
	if !ok {
		t = &tracked{id: id}
		c.inflight[id] = t
	}
	c.stopTimer(t)
	t.attempts = 0
	t.parked = false
	c.transition(id, protocol.StatePending, "")
	c.log.WithField("message_id", id).Info("Resending message")
	c.transmit(t)
	return nil
}

func (c *Coordinator) onState(st conn.Connection) {
	was := c.connected
	c.connected = st.State == conn.Connected
	if c.connected && !was {
		c.flush()
	}
}

// flush transmits every parked message once, in the order they were parked.
func (c *Coordinator) flush() {
	parked := c.outbox
	c.outbox = nil
	if len(parked) > 0 {
		c.log.WithField("messages", len(parked)).Info("Flushing outbox")
	}
	for _, id := range parked {
		if t, ok := c.inflight[id]; ok {
			c.transmit(t)
		}
	}
}

func (c *Coordinator) onFrame(data []byte) {
	frame, err := c.codec.Decode(data)
	if err != nil {
		c.metrics.DecodeErrors.Inc()
		fields := logrus.Fields{"error": err.Error(), "bytes": len(data)}
		var derr *protocol.DecodeError
		if errors.As(err, &derr) && derr.Field != "" {
			fields["field"] = derr.Field
		}
		c.log.WithFields(fields).Warn("Dropping malformed frame")
		return
	}

	switch frame.Type {
	case protocol.FrameAck:
		c.onAck(frame.Ack.AckFor, frame.Ack.ServerTimestamp)
	case protocol.FrameMessage:
		c.onMessage(*frame.Message)
	}
}

func (c *Coordinator) onAck(id string, serverTimestamp *time.Time) {
	m, ok := c.store.Get(id)
	if !ok || m.SenderID != c.self.ID {
		c.metrics.Ignored.WithLabelValues("unknown_ack").Inc()
		c.log.WithField("ack_for", id).Debug("Ignoring ack for unknown message")
		return
	}
	t, tracking := c.inflight[id]

	switch m.State {
	case protocol.StateDelivered:
		c.untrack(id)
		return
	case protocol.StateFailed:
		if !tracking {
			// Terminal failures stay failed until the user resends.
			c.metrics.Ignored.WithLabelValues("late_ack").Inc()
			return
		}
		c.transition(id, protocol.StatePending, "")
	}

	if tracking {
		c.stopTimer(t)
	}
	if err := c.store.MarkDelivered(id, serverTimestamp); err != nil {
		c.log.WithFields(logrus.Fields{"message_id": id, "error": err.Error()}).Warn("Failed to mark delivered")
		return
	}
	c.untrack(id)
	c.metrics.Acked.Inc()
	c.log.WithField("message_id", id).Debug("Message delivered")
}

func (c *Coordinator) onMessage(m protocol.Message) {
	if !m.Involves(c.self.ID) {
		c.metrics.Ignored.WithLabelValues("foreign").Inc()
		c.log.WithField("message_id", m.ID).Warn("Dropping message for another identity")
		return
	}
	if m.SenderID == c.self.ID {
		// The relay echoed our own message back; it has it.
		c.onAck(m.ID, m.ServerTimestamp)
		return
	}

	m.State = protocol.StateDelivered
	added, err := c.store.Append(m)
	if err != nil {
		c.log.WithFields(logrus.Fields{"message_id": m.ID, "error": err.Error()}).Warn("Failed to store inbound message")
		return
	}
	if !added {
		c.metrics.Ignored.WithLabelValues("duplicate").Inc()
		return
	}
	c.metrics.Inbound.Inc()
}

func (c *Coordinator) fail(t *tracked, m protocol.Message, err error) {
	c.stopTimer(t)
	c.transition(t.id, protocol.StateFailed, err.Error())
	c.untrack(t.id)
	c.metrics.Failed.WithLabelValues(failureReason(err)).Inc()
	c.log.WithFields(logrus.Fields{
		"message_id": t.id,
		"attempts":   t.attempts,
		"error":      err.Error(),
	}).Warn("Message failed")
	c.emit(Failure{MessageID: t.id, ConversationID: m.ConversationID, Err: err})
}

func (c *Coordinator) emit(f Failure) {
	select {
	case c.failures <- f:
	default:
		c.log.WithField("message_id", f.MessageID).Debug("Failure channel full")
	}
}

// finish runs once when the loop exits.
func (c *Coordinator) finish() {
	for _, t := range c.inflight {
		c.stopTimer(t)
	}
	if c.keepOutbox.Load() {
		c.log.WithField("messages", len(c.inflight)).Info("Delivery loop stopped, outbox kept")
		c.inflight = make(map[string]*tracked)
		c.outbox = nil
		return
	}
	for _, m := range c.store.Outbox() {
		c.transition(m.ID, protocol.StateFailed, ErrSessionClosed.Error())
		c.metrics.Failed.WithLabelValues(failureReason(ErrSessionClosed)).Inc()
		c.emit(Failure{MessageID: m.ID, ConversationID: m.ConversationID, Err: ErrSessionClosed})
	}
	c.inflight = make(map[string]*tracked)
	c.outbox = nil
	c.log.Info("Delivery loop stopped")
}

func (c *Coordinator) transition(id string, state protocol.DeliveryState, reason string) {
	if err := c.store.Transition(id, state, reason); err != nil {
		c.log.WithFields(logrus.Fields{
			"message_id": id,
			"state":      state.String(),
			"error":      err.Error(),
		}).Warn("State transition rejected")
	}
}

func (c *Coordinator) arm(t *tracked, kind timerKind, d time.Duration) {
	c.stopTimer(t)
	t.gen++
	ev := timerFired{id: t.id, gen: t.gen, kind: kind}
	t.timer = time.AfterFunc(d, func() {
		select {
		case c.timers <- ev:
		case <-c.done:
		}
	})
}

func (c *Coordinator) stopTimer(t *tracked) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// park queues a message until the connection is back. A message that has
// never been sent keeps its attempt budget. One that was sent before is
// charged an attempt and keeps its ack timer running, so an outage that
// outlasts the budget fails it instead of leaving it Pending forever.
func (c *Coordinator) park(t *tracked) {
	c.queue(t.id)
	if t.attempts == 0 || t.parked {
		return
	}
	t.attempts++
	t.parked = true
	c.arm(t, ackTimer, c.opts.AckTimeout)
}

func (c *Coordinator) queue(id string) {
	if !lo.Contains(c.outbox, id) {
		c.outbox = append(c.outbox, id)
	}
}

func (c *Coordinator) untrack(id string) {
	if t, ok := c.inflight[id]; ok {
		c.stopTimer(t)
		delete(c.inflight, id)
	}
	c.outbox = lo.Without(c.outbox, id)
}
