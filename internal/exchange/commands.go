package exchange

import "time"

// Commands holds the two views of one command store. Cycle is the bounded
// path the cycle loop fetches through; Dashboard reads and writes the store
// directly. The Bounded is never handed to any other reader, since an
// overlapping fetch would make the cycle fall back to all off.
type Commands struct {
	Cycle     Source
	Dashboard CommandStore
}

func NewCommands(store CommandStore, fetchTimeout time.Duration) Commands {
	return Commands{
		Cycle:     NewBounded(store, fetchTimeout),
		Dashboard: store,
	}
}
