// Package messaging implements typed commands with correlated replies and
// fire-and-forget events on top of a pluggable Transport.
//
// The caller side is CommandExecutor: it sends a command on the channel the
// command declares and resolves a Future when the reply with the matching
// correlation id arrives on "<service>-<channel>-Replies". All calls that
// share a reply channel share one reply pipeline, built lazily once and kept
// in a cache while any call is waiting on it.
//
// The handler side is CommandHandlerDispatcher: every handler registered in
// a HandlerRegistry is subscribed to its channel, and every outcome,
// including decode failures and panics, is turned into a reply. Failures
// travel as an ErrorEnvelope and surface to the caller as a
// *RemoteExecutionError.
//
// Events go through EventDispatcher and EventHandlerDispatcher. Delivery is
// at least once and handler failures never stop the subscription.
//
// Basic usage:
//
//	bus, _ := messaging.NewBus("orders", transport)
//	exec := messaging.NewCommandExecutor[CreateOrder, OrderCreated](bus)
//	reply, err := exec.Call(ctx, CreateOrder{...}, contracts.NewExecutionContext("alice"))
package messaging
