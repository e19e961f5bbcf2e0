package gen

import "time"

// DrainChannelIntoSlice reads from a channel until it is empty, and returns all items in a slice
func DrainChannelIntoSlice[T any](ch chan T) []T {
	done := false
	slice := make([]T, 0, len(ch)) // optimize for the common case where we're the only reader
	for !done {
		select {
		case v := <-ch:
			slice = append(slice, v)
		default:
			done = true
		}
	}
	return slice
}

// SendWithTimeout tries to send v on ch, giving up after timeout.
// Returns false if the item was not sent.
func SendWithTimeout[T any](ch chan<- T, v T, timeout time.Duration) bool {
	select {
	case ch <- v:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ch <- v:
		return true
	case <-t.C:
		return false
	}
}
