package domain

import "fmt"

// Position orders events within a chain: block number first, log index second.
type Position struct {
	BlockNumber uint64
	LogIndex    uint
}

// Compare returns -1, 0 or +1 depending on whether p sorts before, equal to, or after o.
func (p Position) Compare(o Position) int {
	switch {
	case p.BlockNumber < o.BlockNumber:
		return -1
	case p.BlockNumber > o.BlockNumber:
		return 1
	case p.LogIndex < o.LogIndex:
		return -1
	case p.LogIndex > o.LogIndex:
		return 1
	}
	return 0
}

// Less reports whether p sorts strictly before o.
func (p Position) Less(o Position) bool {
	return p.Compare(o) < 0
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.BlockNumber, p.LogIndex)
}
