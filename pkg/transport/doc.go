/*
Package transport wraps a WebSocket in the Conn interface the registry,
router, and dispatcher share.

Connection objects are read by the router's loop and written to by the
dispatcher and the heartbeat keeper concurrently, so Send serializes
writes behind a mutex. Receive must only be called from the
connection's read loop.
*/
package transport
