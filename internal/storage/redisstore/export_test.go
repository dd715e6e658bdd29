package redisstore

// SetMaxEvents shrinks the events index for a test and returns a restore
// func.
func SetMaxEvents(n int64) func() {
	old := maxEvents
	maxEvents = n
	return func() { maxEvents = old }
}
