package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/bitkeep/internal/cluster"
)

// State is the lifecycle position of a conversation.
type State int

const (
	StateInit State = iota
	StateIdentifying
	StateIdentified
	StateRequesting
	StateCollecting
	StateComplete
	StateFailed
)

var stateNames = [...]string{"INIT", "IDENTIFYING", "IDENTIFIED", "REQUESTING", "COLLECTING", "COMPLETE", "FAILED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s is COMPLETE or FAILED.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// transitions lists the states reachable from each state. Failure is
// reachable from every live state. COLLECTING may return to REQUESTING for
// incremental rounds.
var transitions = map[State][]State{
	StateInit:        {StateIdentifying, StateFailed},
	StateIdentifying: {StateIdentified, StateFailed},
	StateIdentified:  {StateRequesting, StateFailed},
	StateRequesting:  {StateCollecting, StateComplete, StateFailed},
	StateCollecting:  {StateRequesting, StateComplete, StateFailed},
}

// CanTransition reports whether a conversation may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, st := range transitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// Outcome is what became of one contributor within a conversation.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeResponded
	OutcomeFailed
	OutcomeTimedOut
	// OutcomeNotSelected is an identified contributor the operation did not
	// send its request to.
	OutcomeNotSelected
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "PENDING"
	case OutcomeResponded:
		return "RESPONDED"
	case OutcomeFailed:
		return "FAILED"
	case OutcomeTimedOut:
		return "TIMED_OUT"
	case OutcomeNotSelected:
		return "NOT_SELECTED"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// EventType names an event in the conversation stream.
type EventType string

const (
	EventIdentifyRequestSent    EventType = "IDENTIFY_REQUEST_SENT"
	EventComponentIdentified    EventType = "COMPONENT_IDENTIFIED"
	EventIdentificationComplete EventType = "IDENTIFICATION_COMPLETE"
	EventRequestSent            EventType = "REQUEST_SENT"
	EventProgress               EventType = "PROGRESS"
	EventComponentComplete      EventType = "COMPONENT_COMPLETE"
	EventComponentFailed        EventType = "COMPONENT_FAILED"
	EventComplete               EventType = "COMPLETE"
	EventFailed                 EventType = "FAILED"
)

// Terminal reports whether the event ends the stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventFailed
}

// Event is one entry of a conversation's event stream. Contributor is empty
// for events about the conversation as a whole. Response carries the
// contributor message that caused the event, if any.
type Event struct {
	Type           EventType
	ConversationID string
	CollectionID   string
	Operation      string
	Contributor    string
	Info           string
	Err            error
	Response       *cluster.Message
	PartialResult  bool
	Time           time.Time
}

// EventHandler receives the events of one conversation. Calls are never
// concurrent for the same conversation. A handler must not call Wait on its
// own conversation.
type EventHandler func(Event)

// Summary describes a finished conversation.
type Summary struct {
	ConversationID string
	CollectionID   string
	Operation      string
	State          State
	Outcomes       map[string]Outcome
	Failures       map[string]error
	Started        time.Time
	Finished       time.Time
}

// Responded returns the contributors that completed the request, sorted.
func (s *Summary) Responded() []string {
	return s.with(OutcomeResponded)
}

// Unsuccessful returns the contributors that failed or timed out.
func (s *Summary) Unsuccessful() []string {
	return append(s.with(OutcomeFailed), s.with(OutcomeTimedOut)...)
}

func (s *Summary) with(o Outcome) []string {
	var out []string
	for c, got := range s.Outcomes {
		if got == o {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

var (
	// ErrNoContributorsConfigured is returned when an operation is started
	// without any contributor.
	ErrNoContributorsConfigured = errors.New("no contributors configured")

	// ErrNoContributorFound fails a conversation in which no contributor
	// identified positively.
	ErrNoContributorFound = errors.New("no contributor found for the operation")

	// ErrContributorTimeout marks a contributor that did not answer in time.
	ErrContributorTimeout = errors.New("contributor timed out")

	// ErrRequestTimeout marks a contributor that identified but did not
	// answer the request in time. It wraps ErrContributorTimeout. The
	// conversation raises a COMPONENT_TIMEOUT alarm for it.
	ErrRequestTimeout = fmt.Errorf("%w awaiting response", ErrContributorTimeout)

	// ErrCancelled is returned by Wait for a cancelled conversation.
	ErrCancelled = errors.New("conversation cancelled")
)

// ContributorFailure is an explicit negative answer from a contributor.
type ContributorFailure struct {
	Contributor string
	Code        cluster.ResponseCode
	Text        string
}

func (e *ContributorFailure) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("contributor %q failed: %s", e.Contributor, e.Code)
	}
	return fmt.Sprintf("contributor %q failed: %s: %s", e.Contributor, e.Code, e.Text)
}

// OperationFailedError fails a conversation in which every identified
// contributor failed.
type OperationFailedError struct {
	Failures map[string]error
}

func (e *OperationFailedError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for c := range e.Failures {
		names = append(names, c)
	}
	slices.Sort(names)
	return fmt.Sprintf("operation failed on every contributor: %s", strings.Join(names, ", "))
}

// OperationTimedOutError fails a conversation whose overall deadline passed
// while contributors were still pending.
type OperationTimedOutError struct {
	Pending []string
}

func (e *OperationTimedOutError) Error() string {
	return fmt.Sprintf("operation timed out waiting for %s", strings.Join(e.Pending, ", "))
}

// Is lets errors.Is(err, ErrContributorTimeout) match an overall timeout too.
func (e *OperationTimedOutError) Is(target error) bool {
	return target == ErrContributorTimeout
}
