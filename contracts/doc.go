// Package contracts defines the wire-level types shared by the email
// delivery pipeline: the EmailJob payload, its priority mapping, and the
// JSON codec used for message bodies.
//
// The pipeline treats Template and Context as opaque; rendering happens
// in the collaborator that composes the job before publishing.
package contracts
