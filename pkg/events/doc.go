// Package events backs the daemon's nudge-consumer loop: drives publish,
// one consumer goroutine drains.
package events
