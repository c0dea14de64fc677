package conversation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/bitkeep/internal/alarm"
	"github.com/dreamware/bitkeep/internal/bus"
	"github.com/dreamware/bitkeep/internal/cluster"
	"github.com/dreamware/bitkeep/internal/metrics"
)

// Descriptor supplies the operation specific behaviour of a conversation.
// Its methods are called with the conversation lock held, one at a time.
type Descriptor interface {
	// Operation names the operation on the wire, e.g. "GetChecksums".
	Operation() string

	// IdentifyRequest returns the payload of the identify broadcast, or nil.
	IdentifyRequest() (any, error)

	// BuildRequest returns the request payload for one identified
	// contributor.
	BuildRequest(contributor string) (any, error)

	// MergeResponse folds a successful final response into the result. An
	// error turns the response into a failure of that contributor.
	MergeResponse(contributor string, msg *cluster.Message) error
}

// Selector is implemented by descriptors that send their request to only
// some of the identified contributors, e.g. GetFile asks a single one.
type Selector interface {
	// SelectContributors picks the contributors to request from.
	// identified is in the order the positive identify responses arrived.
	SelectContributors(identified []string) []string
}

// Params identifies the operation a conversation performs.
type Params struct {
	CollectionID string
	Descriptor   Descriptor
	// Destination receives the identify broadcast. Defaults to the
	// collection destination.
	Destination string
}

type outgoing struct {
	msg         *cluster.Message
	destination string
	contributor string
}

// Conversation is one running operation. Create it with Client.Start.
type Conversation struct {
	id       string
	params   Params
	desc     Descriptor
	settings Settings
	channel  bus.Channel
	alarms   alarm.Sink
	logger   *zap.Logger
	metrics  *metrics.Metrics
	handler  EventHandler
	release  func()

	mu               sync.Mutex
	state            State
	contributors     []string
	outcomes         map[string]Outcome
	failures         map[string]error
	active           map[string]bool
	identified       []string
	identifyAttempts int
	identifyTimer    *time.Timer
	requestTimers    map[string]*time.Timer
	operationTimer   *time.Timer
	pending          []Event
	outbox           []outgoing
	raise            []alarm.Alarm
	err              error
	started          time.Time
	finished         time.Time

	inboxMu  sync.Mutex
	inbox    []*cluster.Message
	draining bool

	cancelled atomic.Bool
	emitMu    sync.Mutex
	done      chan struct{}
	doneOnce  sync.Once
}

func newConversation(id string, p Params, contributors []string, handler EventHandler, cl *Client) *Conversation {
	c := &Conversation{
		id:            id,
		params:        p,
		desc:          p.Descriptor,
		settings:      cl.settings,
		channel:       cl.channel,
		alarms:        cl.alarms,
		metrics:       cl.metrics,
		handler:       handler,
		state:         StateInit,
		contributors:  contributors,
		outcomes:      make(map[string]Outcome, len(contributors)),
		failures:      make(map[string]error),
		active:        make(map[string]bool, len(contributors)),
		requestTimers: make(map[string]*time.Timer),
		done:          make(chan struct{}),
	}
	c.logger = cl.logger.With(
		zap.String("conversation", id),
		zap.String("collection", p.CollectionID),
		zap.String("operation", c.desc.Operation()))
	for _, contributor := range contributors {
		c.outcomes[contributor] = OutcomePending
	}
	return c
}

// ID returns the correlation identifier of the conversation.
func (c *Conversation) ID() string { return c.id }

// CollectionID returns the collection the conversation works on.
func (c *Conversation) CollectionID() string { return c.params.CollectionID }

// State returns the current state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the conversation has finished and its terminal event
// has been handled, or once it has been cancelled.
func (c *Conversation) Done() <-chan struct{} { return c.done }

// Wait blocks until the conversation finishes or ctx is done. It returns the
// summary together with the error that failed the conversation, if any; the
// summary is also returned for failed conversations.
func (c *Conversation) Wait(ctx context.Context) (*Summary, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summaryLocked(), c.err
}

// Cancel stops the conversation. Timers are stopped, queued events are
// dropped and later responses are ignored. Cancelling a finished
// conversation has no effect; calling Cancel more than once is safe.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	if c.state.Terminal() || c.cancelled.Load() {
		c.mu.Unlock()
		return
	}
	c.cancelled.Store(true)
	c.stopTimersLocked()
	c.state = StateFailed
	c.err = ErrCancelled
	c.finished = time.Now()
	c.pending = nil
	c.outbox = nil
	c.raise = nil
	c.mu.Unlock()

	c.logger.Debug("conversation cancelled")
	c.metrics.OperationsFailed.Add(1)
	c.closeDone()
}

func (c *Conversation) closeDone() {
	c.doneOnce.Do(func() {
		close(c.done)
		if c.release != nil {
			c.release()
		}
	})
}

// start broadcasts the identify request.
func (c *Conversation) start() {
	c.mu.Lock()
	c.started = time.Now()
	c.setStateLocked(StateIdentifying)

	msg := c.newMessageLocked(cluster.KindIdentifyRequest)
	if err := c.attachLocked(msg, c.desc.IdentifyRequest); err != nil {
		c.finishLocked(StateFailed, fmt.Errorf("build identify request: %w", err))
		c.unlockAndDispatch()
		return
	}

	c.identifyAttempts = 1
	c.identifyTimer = time.AfterFunc(c.settings.IdentifyTimeout, c.identifyTimedOut)
	if c.settings.OperationTimeout > 0 {
		c.operationTimer = time.AfterFunc(c.settings.OperationTimeout, c.operationTimedOut)
	}
	c.enqueueLocked(Event{
		Type: EventIdentifyRequestSent,
		Info: fmt.Sprintf("identifying %d contributors", len(c.contributors)),
	})
	c.outbox = append(c.outbox, outgoing{msg: msg, destination: c.params.Destination})
	c.unlockAndDispatch()
}

// receive queues msg for this conversation and returns at once. Queued
// responses are delivered in arrival order by one goroutine per
// conversation, so a slow event handler holds up only its own conversation.
func (c *Conversation) receive(msg *cluster.Message) {
	c.inboxMu.Lock()
	c.inbox = append(c.inbox, msg)
	if c.draining {
		c.inboxMu.Unlock()
		return
	}
	c.draining = true
	c.inboxMu.Unlock()
	go c.drainInbox()
}

func (c *Conversation) drainInbox() {
	for {
		c.inboxMu.Lock()
		if len(c.inbox) == 0 {
			c.draining = false
			c.inboxMu.Unlock()
			return
		}
		msg := c.inbox[0]
		c.inbox[0] = nil
		c.inbox = c.inbox[1:]
		c.inboxMu.Unlock()
		c.deliver(msg)
	}
}

// deliver processes one response routed to this conversation.
func (c *Conversation) deliver(msg *cluster.Message) {
	if c.cancelled.Load() {
		return
	}
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		c.logger.Debug("ignoring response for finished conversation",
			zap.String("from", msg.From), zap.String("kind", string(msg.Kind)))
		return
	}
	if msg.CollectionID != c.params.CollectionID {
		c.mu.Unlock()
		c.metrics.ForeignResponses.Add(1)
		c.logger.Warn("dropping response for foreign collection",
			zap.String("from", msg.From), zap.String("response_collection", msg.CollectionID))
		return
	}
	if _, known := c.outcomes[msg.From]; !known {
		c.mu.Unlock()
		c.logger.Debug("ignoring response from unexpected contributor", zap.String("from", msg.From))
		return
	}

	switch msg.Kind {
	case cluster.KindIdentifyResponse:
		c.handleIdentifyLocked(msg)
	case cluster.KindProgressResponse:
		c.handleProgressLocked(msg)
	case cluster.KindFinalResponse:
		c.handleFinalLocked(msg)
	default:
		c.logger.Debug("ignoring message", zap.String("kind", string(msg.Kind)), zap.String("from", msg.From))
	}
	c.unlockAndDispatch()
}

func (c *Conversation) handleIdentifyLocked(msg *cluster.Message) {
	from := msg.From
	if c.state != StateIdentifying || c.outcomes[from] != OutcomePending {
		c.logger.Debug("ignoring late identify response", zap.String("from", from))
		return
	}
	if msg.ResponseCode == cluster.CodeIdentificationPositive {
		c.outcomes[from] = OutcomeResponded
		c.active[from] = true
		c.identified = append(c.identified, from)
		c.enqueueLocked(Event{Type: EventComponentIdentified, Contributor: from, Info: msg.ResponseText, Response: msg})
	} else {
		failure := &ContributorFailure{Contributor: from, Code: msg.ResponseCode, Text: msg.ResponseText}
		c.outcomes[from] = OutcomeFailed
		c.failures[from] = failure
		c.enqueueLocked(Event{Type: EventComponentFailed, Contributor: from, Err: failure, Info: msg.ResponseText, Response: msg})
	}

	for _, contributor := range c.contributors {
		if c.outcomes[contributor] == OutcomePending {
			return
		}
	}
	c.identificationCompleteLocked()
}

func (c *Conversation) identifyTimedOut() {
	if c.cancelled.Load() {
		return
	}
	c.mu.Lock()
	if c.state != StateIdentifying {
		c.mu.Unlock()
		return
	}

	var silent []string
	for _, contributor := range c.contributors {
		if c.outcomes[contributor] == OutcomePending {
			silent = append(silent, contributor)
		}
	}

	if len(c.active) == 0 && c.identifyAttempts <= c.settings.IdentifyRetries {
		c.identifyAttempts++
		msg := c.newMessageLocked(cluster.KindIdentifyRequest)
		err := c.attachLocked(msg, c.desc.IdentifyRequest)
		if err == nil {
			c.logger.Info("retrying identification",
				zap.Int("attempt", c.identifyAttempts), zap.Strings("silent", silent))
			c.identifyTimer = time.AfterFunc(c.settings.IdentifyTimeout, c.identifyTimedOut)
			c.outbox = append(c.outbox, outgoing{msg: msg, destination: c.params.Destination})
			c.unlockAndDispatch()
			return
		}
		c.logger.Error("failed to rebuild identify request", zap.Error(err))
	}

	for _, contributor := range silent {
		err := fmt.Errorf("%w: %q did not identify within %v", ErrContributorTimeout, contributor, c.settings.IdentifyTimeout)
		c.outcomes[contributor] = OutcomeTimedOut
		c.failures[contributor] = err
		c.enqueueLocked(Event{Type: EventComponentFailed, Contributor: contributor, Err: err})
	}
	c.identificationCompleteLocked()
	c.unlockAndDispatch()
}

func (c *Conversation) identificationCompleteLocked() {
	if c.identifyTimer != nil {
		c.identifyTimer.Stop()
	}
	c.setStateLocked(StateIdentified)
	active := c.activeLocked()
	c.enqueueLocked(Event{
		Type: EventIdentificationComplete,
		Info: fmt.Sprintf("%d of %d contributors identified", len(active), len(c.contributors)),
	})
	if sel, ok := c.desc.(Selector); ok && len(active) > 0 {
		active = c.selectLocked(sel)
	}
	if len(active) == 0 {
		c.finishLocked(StateFailed, ErrNoContributorFound)
		return
	}

	c.setStateLocked(StateRequesting)
	sent := 0
	for _, contributor := range active {
		msg := c.newMessageLocked(cluster.KindOperationRequest)
		msg.To = contributor
		err := c.attachLocked(msg, func() (any, error) { return c.desc.BuildRequest(contributor) })
		if err != nil {
			c.contributorFailedLocked(contributor, OutcomeFailed, fmt.Errorf("build request for %q: %w", contributor, err), nil)
			continue
		}
		c.outcomes[contributor] = OutcomePending
		c.requestTimers[contributor] = time.AfterFunc(c.settings.RequestTimeout, func() { c.requestTimedOut(contributor) })
		c.outbox = append(c.outbox, outgoing{
			msg:         msg,
			destination: cluster.ContributorDestination(contributor),
			contributor: contributor,
		})
		sent++
	}
	c.enqueueLocked(Event{
		Type: EventRequestSent,
		Info: fmt.Sprintf("request sent to %d contributors", sent),
	})
	c.checkCompleteLocked()
}

func (c *Conversation) handleProgressLocked(msg *cluster.Message) {
	from := msg.From
	if !c.awaitingLocked(from) {
		c.logger.Debug("ignoring progress from contributor not awaited", zap.String("from", from))
		return
	}
	if c.state == StateRequesting {
		c.setStateLocked(StateCollecting)
	}
	c.enqueueLocked(Event{Type: EventProgress, Contributor: from, Info: msg.ResponseText, Response: msg})
}

func (c *Conversation) handleFinalLocked(msg *cluster.Message) {
	from := msg.From
	if !c.awaitingLocked(from) {
		c.logger.Debug("ignoring final response from contributor not awaited", zap.String("from", from))
		return
	}
	c.stopRequestTimerLocked(from)
	if c.state == StateRequesting {
		c.setStateLocked(StateCollecting)
	}

	switch {
	case msg.ResponseCode != cluster.CodeOperationCompleted:
		failure := &ContributorFailure{Contributor: from, Code: msg.ResponseCode, Text: msg.ResponseText}
		c.contributorFailedLocked(from, OutcomeFailed, failure, msg)
	default:
		if err := c.desc.MergeResponse(from, msg); err != nil {
			c.contributorFailedLocked(from, OutcomeFailed, fmt.Errorf("merge response from %q: %w", from, err), msg)
			break
		}
		c.outcomes[from] = OutcomeResponded
		c.enqueueLocked(Event{
			Type:          EventComponentComplete,
			Contributor:   from,
			Info:          msg.ResponseText,
			Response:      msg,
			PartialResult: msg.PartialResult,
		})
	}
	c.checkCompleteLocked()
}

func (c *Conversation) requestTimedOut(contributor string) {
	if c.cancelled.Load() {
		return
	}
	c.mu.Lock()
	if !c.awaitingLocked(contributor) {
		c.mu.Unlock()
		return
	}
	err := fmt.Errorf("%w: %q did not answer within %v", ErrRequestTimeout, contributor, c.settings.RequestTimeout)
	c.metrics.ContributorTimeouts.Add(1)
	c.contributorFailedLocked(contributor, OutcomeTimedOut, err, nil)
	c.raise = append(c.raise, alarm.Alarm{
		Code:         alarm.CodeComponentTimeout,
		Text:         fmt.Sprintf("%s: %v", c.desc.Operation(), err),
		CollectionID: c.params.CollectionID,
		Contributor:  contributor,
	})
	c.checkCompleteLocked()
	c.unlockAndDispatch()
}

func (c *Conversation) operationTimedOut() {
	if c.cancelled.Load() {
		return
	}
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	var pending []string
	for _, contributor := range c.contributors {
		if c.outcomes[contributor] == OutcomePending {
			pending = append(pending, contributor)
			c.outcomes[contributor] = OutcomeTimedOut
			c.failures[contributor] = fmt.Errorf("%w: %q still pending at the operation deadline", ErrContributorTimeout, contributor)
		}
	}
	c.finishLocked(StateFailed, &OperationTimedOutError{Pending: pending})
	c.unlockAndDispatch()
}

// awaitingLocked reports whether a request response from contributor is
// still expected.
func (c *Conversation) awaitingLocked(contributor string) bool {
	if c.state != StateRequesting && c.state != StateCollecting {
		return false
	}
	return c.active[contributor] && c.outcomes[contributor] == OutcomePending
}

func (c *Conversation) contributorFailedLocked(contributor string, outcome Outcome, err error, msg *cluster.Message) {
	c.stopRequestTimerLocked(contributor)
	c.outcomes[contributor] = outcome
	c.failures[contributor] = err
	c.metrics.ContributorFailures.Add(1)
	c.logger.Info("contributor failed", zap.String("contributor", contributor), zap.Error(err))
	ev := Event{Type: EventComponentFailed, Contributor: contributor, Err: err, Response: msg}
	if msg != nil {
		ev.Info = msg.ResponseText
	}
	c.enqueueLocked(ev)
}

// checkCompleteLocked finishes the conversation once no active contributor
// is pending.
func (c *Conversation) checkCompleteLocked() {
	if c.state != StateRequesting && c.state != StateCollecting {
		return
	}
	responded := 0
	for contributor := range c.active {
		switch c.outcomes[contributor] {
		case OutcomePending:
			return
		case OutcomeResponded:
			responded++
		}
	}
	if responded == 0 {
		c.finishLocked(StateFailed, &OperationFailedError{Failures: maps.Clone(c.failures)})
		return
	}
	c.finishLocked(StateComplete, nil)
}

func (c *Conversation) finishLocked(state State, err error) {
	c.stopTimersLocked()
	c.setStateLocked(state)
	c.err = err
	c.finished = time.Now()
	if state == StateComplete {
		c.metrics.OperationsCompleted.Add(1)
		c.enqueueLocked(Event{Type: EventComplete, Info: fmt.Sprintf("completed in %v", c.finished.Sub(c.started))})
		return
	}
	c.metrics.OperationsFailed.Add(1)
	c.logger.Info("conversation failed", zap.Error(err))
	c.enqueueLocked(Event{Type: EventFailed, Err: err})
}

func (c *Conversation) setStateLocked(next State) {
	if !c.state.CanTransition(next) {
		c.logger.Error("invalid state transition",
			zap.Stringer("from", c.state), zap.Stringer("to", next))
		return
	}
	c.state = next
}

func (c *Conversation) stopRequestTimerLocked(contributor string) {
	if t, ok := c.requestTimers[contributor]; ok {
		t.Stop()
		delete(c.requestTimers, contributor)
	}
}

func (c *Conversation) stopTimersLocked() {
	if c.identifyTimer != nil {
		c.identifyTimer.Stop()
	}
	if c.operationTimer != nil {
		c.operationTimer.Stop()
	}
	for contributor := range c.requestTimers {
		c.stopRequestTimerLocked(contributor)
	}
}

// selectLocked narrows the active contributors down to the ones sel picks
// and returns them sorted.
func (c *Conversation) selectLocked(sel Selector) []string {
	chosen := make(map[string]bool)
	for _, contributor := range sel.SelectContributors(slices.Clone(c.identified)) {
		if c.active[contributor] {
			chosen[contributor] = true
		}
	}
	for contributor := range c.active {
		if !chosen[contributor] {
			delete(c.active, contributor)
			c.outcomes[contributor] = OutcomeNotSelected
		}
	}
	active := c.activeLocked()
	c.logger.Debug("contributors selected", zap.Strings("selected", active))
	return active
}

func (c *Conversation) activeLocked() []string {
	active := make([]string, 0, len(c.active))
	for contributor := range c.active {
		active = append(active, contributor)
	}
	slices.Sort(active)
	return active
}

func (c *Conversation) newMessageLocked(kind cluster.Kind) *cluster.Message {
	return &cluster.Message{
		Kind:          kind,
		Operation:     c.desc.Operation(),
		CorrelationID: c.id,
		CollectionID:  c.params.CollectionID,
		From:          c.settings.ClientID,
		ReplyTo:       c.settings.ReplyTo,
	}
}

func (c *Conversation) attachLocked(msg *cluster.Message, build func() (any, error)) error {
	payload, err := build()
	if err != nil {
		return err
	}
	if payload == nil {
		return nil
	}
	return msg.SetPayload(payload)
}

func (c *Conversation) enqueueLocked(ev Event) {
	ev.ConversationID = c.id
	ev.CollectionID = c.params.CollectionID
	ev.Operation = c.desc.Operation()
	ev.Time = time.Now()
	c.pending = append(c.pending, ev)
}

func (c *Conversation) summaryLocked() *Summary {
	return &Summary{
		ConversationID: c.id,
		CollectionID:   c.params.CollectionID,
		Operation:      c.desc.Operation(),
		State:          c.state,
		Outcomes:       maps.Clone(c.outcomes),
		Failures:       maps.Clone(c.failures),
		Started:        c.started,
		Finished:       c.finished,
	}
}

// unlockAndDispatch releases the lock, then raises queued alarms, sends
// queued messages and hands queued events to the handler. Sending happens
// outside the lock so that responses to the sends can be processed.
func (c *Conversation) unlockAndDispatch() {
	out := c.outbox
	raise := c.raise
	c.outbox, c.raise = nil, nil
	c.mu.Unlock()

	for _, a := range raise {
		c.alarms.Raise(a)
	}
	for _, o := range out {
		if c.cancelled.Load() {
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.settings.RequestTimeout)
		err := c.channel.Send(ctx, o.msg, o.destination)
		cancel()
		if err != nil {
			c.sendFailed(o, err)
		}
	}
	c.emit()
}

func (c *Conversation) sendFailed(o outgoing, err error) {
	c.logger.Warn("failed to send message",
		zap.String("destination", o.destination), zap.String("kind", string(o.msg.Kind)), zap.Error(err))
	c.mu.Lock()
	switch {
	case o.contributor != "" && c.awaitingLocked(o.contributor):
		c.contributorFailedLocked(o.contributor, OutcomeFailed, fmt.Errorf("send request to %q: %w", o.contributor, err), nil)
		c.checkCompleteLocked()
	case o.contributor == "" && c.state == StateIdentifying && len(c.active) == 0:
		c.finishLocked(StateFailed, fmt.Errorf("send identify request: %w", err))
	}
	c.unlockAndDispatch()
}

// emit hands queued events to the handler in order. Only one goroutine
// emits at a time; others leave their events to it.
func (c *Conversation) emit() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	for {
		c.mu.Lock()
		events := c.pending
		c.pending = nil
		c.mu.Unlock()
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			if c.cancelled.Load() {
				return
			}
			if c.handler != nil {
				c.handler(ev)
			}
			if ev.Type.Terminal() {
				c.closeDone()
			}
		}
	}
}
