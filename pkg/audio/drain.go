package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer goroutine when the remaining values of a
// streaming channel are no longer wanted (e.g. the frames of a capture that
// is being torn down after an error).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
