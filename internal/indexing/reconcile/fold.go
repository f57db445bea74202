package reconcile

import (
	"github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/core/domain"
)

// Apply folds one bid event into state and reports whether state changed.
//
// Events at an older position than the state's are ignored. Within the same
// block the higher log index wins. When the state's log index is unknown
// (it was set by a correction) a DeleteBid in that block replaces it but an
// InsertBid never replaces a DeleteBid.
func Apply(state *domain.CacheState, ev *domain.StoredEvent) bool {
	if !ev.EventName.IsBid() {
		return false
	}
	codeHash, bid, size, err := ev.EventData.BidFields()
	if err != nil || codeHash != state.CodeHash {
		return false
	}

	if !supersedes(state, ev) {
		return false
	}

	next := *state
	next.IsCached = ev.EventName == domain.EventInsertBid
	next.LastBid = bid.String()
	next.Size = size
	next.LastEventBlock = ev.BlockNumber
	next.LastEventLogIndex = int64(ev.LogIndex)
	next.LastEventName = ev.EventName

	if next == *state {
		return false
	}
	*state = next
	return true
}

func supersedes(state *domain.CacheState, ev *domain.StoredEvent) bool {
	if state.LastEventName == "" {
		return true
	}
	switch {
	case ev.BlockNumber > state.LastEventBlock:
		return true
	case ev.BlockNumber < state.LastEventBlock:
		return false
	}

	if state.LastEventLogIndex != domain.UnknownLogIndex {
		return int64(ev.LogIndex) > state.LastEventLogIndex
	}
	if ev.EventName == domain.EventDeleteBid {
		return true
	}
	return state.LastEventName != domain.EventDeleteBid
}
