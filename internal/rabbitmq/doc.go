// Package rabbitmq provides the broker plumbing for the email delivery
// pipeline.
//
// This package includes:
//   - ConnectionManager: owns the single broker connection and its
//     disconnected/connecting/ready/degraded/reconnecting lifecycle,
//     reconnecting forever with capped exponential backoff
//   - ChannelPool: the shared channel handle injected into publisher,
//     topology manager, and queue inspection
//   - TopologyManager: declares the email exchange/queue/dead-letter
//     graph idempotently on every Ready transition
//   - Publisher: persistent fire-and-forget publishing that fails fast
//     when the connection is not Ready
//   - Consumer: a single prefetch-bounded subscription with graceful
//     cancel by consumer tag
package rabbitmq
