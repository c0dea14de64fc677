// Package conversation drives one client operation against the contributors
// of a collection.
//
// A conversation broadcasts an identify request to the collection, waits a
// bounded time for contributors to answer, sends the operation request to
// every contributor that identified positively and collects their responses
// until each one has either answered, failed or timed out:
//
//	INIT → IDENTIFYING → IDENTIFIED → REQUESTING → COLLECTING → COMPLETE
//	                                                          ↘ FAILED
//
// Progress is reported to the caller as an ordered stream of Events. The
// operation specific parts (the request payloads and how responses are
// merged) are supplied by a Descriptor, so one Conversation type serves
// every operation.
//
// A conversation completes as long as one contributor succeeds. Failures
// and timeouts of single contributors are reported as ComponentFailed events
// and, for request timeouts, raised on the alarm sink. Only the loss of every
// contributor, the overall operation deadline or cancellation fail the
// conversation as a whole.
//
// Thread Safety:
//
// Responses arrive on transport goroutines. Each Conversation serializes its
// state with one mutex and hands events to the handler from a single
// goroutine at a time, in the order they were produced. Separate
// conversations share nothing but the Client's Mediator.
package conversation
