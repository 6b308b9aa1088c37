// Package rabbitmq provides the AMQP building blocks of the RabbitMQ
// transport.
//
// This package includes:
//   - ConnectionManager: one connection per process with automatic reconnection
//   - Publisher: a confirm-mode channel bound to one address
//   - Consumer: a channel consuming one queue with manual acknowledgment
//   - TopologyManager: exchanges, queues and bindings
//
// Commands travel through the default exchange to a durable queue named
// after the command channel. Replies go to the "mmate.ipc.replies" direct
// exchange, where every listening process binds its own exclusive queue.
// Events go to the "mmate.ipc.events" topic exchange with one durable queue
// per subscriber group.
package rabbitmq
