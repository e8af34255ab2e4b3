package transaction

import "fmt"

// LockMode is one of the five hierarchical lock modes. Row locks only use
// Shared and Exclusive.
type LockMode int

const (
	LockModeIntentionShared LockMode = iota
	LockModeIntentionExclusive
	LockModeShared
	LockModeSharedIntentionExclusive
	LockModeExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockModeIntentionShared:
		return "IS"
	case LockModeIntentionExclusive:
		return "IX"
	case LockModeShared:
		return "S"
	case LockModeSharedIntentionExclusive:
		return "SIX"
	case LockModeExclusive:
		return "X"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}
