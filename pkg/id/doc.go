// Package id generates time-ordered 128-bit identifiers for published
// lifecycle events.
//
// An ID is the event's millisecond timestamp followed by a per-millisecond
// counter, both big-endian, so consumers can sort events by ID bytes or by
// the hex String. A Generator never goes backwards within a process: a clock
// step back reuses the last millisecond, and Observe lets a restarted
// producer skip past IDs it already emitted.
//
//	g := id.NewGenerator(nil)
//	ev := g.Next()
//	_ = ev.Ms()      // when it was issued
//	parsed, _ := id.Parse(ev.String())
package id
