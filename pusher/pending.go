package pusher

import "encoding/json"

// pendingTable maps outstanding request sequence numbers to their one-shot
// resolvers. An entry leaves the table exactly once: taken when its reply
// arrives, or evicted under memory pressure (in which case its resolver is
// deliberately never closed or written, so the request never resolves).
//
// The table is not safe for concurrent use; the owning Channel serializes
// access under its lock.
type pendingTable struct {
	limit   int
	entries map[uint64]chan json.RawMessage
}

func newPendingTable(limit int) *pendingTable {
	return &pendingTable{
		limit:   limit,
		entries: make(map[uint64]chan json.RawMessage),
	}
}

func (t *pendingTable) len() int {
	return len(t.entries)
}

// add installs a resolver for a new sequence number and returns it. The
// channel has capacity one so resolution never blocks the reader.
func (t *pendingTable) add(seq uint64) chan json.RawMessage {
	result := make(chan json.RawMessage, 1)
	t.entries[seq] = result
	return result
}

// take removes and returns the resolver for seq, if one is outstanding.
func (t *pendingTable) take(seq uint64) (chan json.RawMessage, bool) {
	result, ok := t.entries[seq]
	if ok {
		delete(t.entries, seq)
	}
	return result, ok
}

// maintain bounds the table: when it holds more than limit entries, every
// entry below the midpoint of the minimum and maximum outstanding sequence
// numbers is evicted without resolving. Sequence numbers are monotonic, so
// under normal operation this discards the older half; a long-outstanding
// entry can only mean its reply was lost. Repeated rounds over a gapped
// table may evict fewer than half--that is the documented policy, not a bug
// to fix here. Returns the number of entries evicted.
func (t *pendingTable) maintain() int {
	if len(t.entries) <= t.limit {
		return 0
	}
	var min, max uint64
	first := true
	for seq := range t.entries {
		if first {
			min, max = seq, seq
			first = false
			continue
		}
		if seq < min {
			min = seq
		}
		if seq > max {
			max = seq
		}
	}
	mid := (min + max) / 2
	evicted := 0
	for seq := range t.entries {
		if seq < mid {
			delete(t.entries, seq)
			evicted++
		}
	}
	return evicted
}

// clear abandons every outstanding entry. Their resolvers never resolve.
func (t *pendingTable) clear() {
	t.entries = make(map[uint64]chan json.RawMessage)
}
