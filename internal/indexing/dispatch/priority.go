package dispatch

const (
	// LogIndexSlots is the number of log positions reserved per block
	LogIndexSlots uint64 = 100_000

	// MaxPriority is the largest integer a Redis sorted-set score holds exactly
	MaxPriority uint64 = 1<<53 - 1

	// BlockWindow is the number of consecutive blocks that order correctly
	// before block numbers wrap around
	BlockWindow = (MaxPriority + 1) / LogIndexSlots
)

// Priority encodes (block, logIndex) into a queue score. Lower runs first.
// Block numbers are reduced modulo BlockWindow so the score never exceeds
// MaxPriority; order is preserved for any in-flight span shorter than the
// window. Log indexes past the slot range share the last slot.
func Priority(block uint64, logIndex uint) uint64 {
	idx := uint64(logIndex)
	if idx > LogIndexSlots-1 {
		idx = LogIndexSlots - 1
	}
	return (block%BlockWindow)*LogIndexSlots + idx
}
