package eventstore

// Outcome is what storing one record did.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeStored
	OutcomeUpgraded
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeUpgraded:
		return "upgraded"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "failed"
	}
}
