// Package queue implements the durable email delivery pipeline on top
// of the broker plumbing: a publisher that hands composed jobs off with
// persistence and priority, a prefetch-1 worker with bounded retry and
// dead-lettering, and an AMQP-based status read for monitoring.
package queue
