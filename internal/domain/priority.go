package domain

type Priority int

const (
	PriorityNone      Priority = -1 // Not downloaded at all.
	PriorityLow       Priority = 0
	PriorityNormal    Priority = 1
	PriorityReadahead Priority = 2 // Within the look-ahead window.
	PriorityNext      Priority = 3 // Very next piece to be consumed.
	PriorityHigh      Priority = 4 // Immediate need.
)

func (p Priority) String() string {
	switch p {
	case PriorityNone:
		return "none"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityReadahead:
		return "readahead"
	case PriorityNext:
		return "next"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// IgnoreAll returns a priority vector of length n with every entry set to None.
func IgnoreAll(n int) []Priority {
	if n <= 0 {
		return nil
	}
	out := make([]Priority, n)
	for i := range out {
		out[i] = PriorityNone
	}
	return out
}
