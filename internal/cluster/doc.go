// Package cluster defines the message envelope exchanged between the
// coordinating client and the contributors (pillars) of a collection, and a
// small set of JSON-over-HTTP helpers used for out-of-band notifications.
//
// # Overview
//
// Every interaction in bitkeep is a conversation: the client broadcasts an
// identify request to a collection, contributors answer whether they can
// serve the operation, and the client then sends the actual request to the
// contributors that answered positively. All of these messages share the
// Message envelope defined here. The envelope is transport agnostic: the bus
// package moves it over NATS or in-process, and the operation specific body
// travels as raw JSON in Payload.
//
// # Message Flow
//
//	client                          contributor
//	  │  identify-request (broadcast)    │
//	  │ ───────────────────────────────▶ │
//	  │  identify-response               │
//	  │ ◀─────────────────────────────── │
//	  │  operation-request               │
//	  │ ───────────────────────────────▶ │
//	  │  progress-response*              │
//	  │ ◀─────────────────────────────── │
//	  │  final-response                  │
//	  │ ◀─────────────────────────────── │
//
// Responses are matched to the conversation that caused them through
// CorrelationID, and carry the CollectionID of the request so that a client
// can discard answers that belong to another collection.
//
// # Destinations
//
// Identify requests go to CollectionDestination(collectionID), which every
// contributor of the collection subscribes to. Operation requests go to
// ContributorDestination(contributorID). Responses go to the ReplyTo
// destination named in the request.
//
// # Response Codes
//
// ResponseCode mirrors the protocol codes of the preservation network.
// Positive reports whether a code is an identification success, progress
// or completion; every other code is a failure of the contributor that sent
// it.
package cluster
