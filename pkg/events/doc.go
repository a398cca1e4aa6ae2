/*
Package events provides a broker for foreman lifecycle events.

Subscribers get buffered channels; slow subscribers drop events rather
than block the publisher. Events cover job, task, worker, and
checkpoint transitions; no package of this module subscribes to them.
*/
package events
