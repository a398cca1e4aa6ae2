/*
Package heartbeat keeps worker connections alive.

A background ticker snapshots the connected worker set every interval
(default 30s) and sends each a ping. Send failures are swallowed: dead
connections surface through normal disconnect handling, and pong
replies refresh last_seen via the router.
*/
package heartbeat
