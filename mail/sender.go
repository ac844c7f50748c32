// Package mail defines the transport contract the delivery worker calls
// to put a composed message on the wire, plus a minimal SMTP-backed
// implementation and a logging sender for local development.
package mail

import "context"

// Message is a fully composed email handed to a Sender. Rendering and
// provider selection happen upstream; by the time a Message reaches a
// Sender it needs at least one body.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender performs the actual network send. Implementations report
// failure through the returned error; the worker translates that into
// its retry decision.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
