package domain

// Status is the lifecycle state of a Request or RequestItem.
type Status string

const (
	StatusPending            Status = "pending"
	StatusSubmitted          Status = "submitted"
	StatusDownloading        Status = "downloading"
	StatusPartiallyAvailable Status = "partially_available"
	StatusAvailable          Status = "available"
	StatusDenied             Status = "denied"
	StatusFailed             Status = "failed"
	StatusRemoved            Status = "removed"
	StatusAlreadyExists      Status = "already_exists"
)

// RequestStatusPriority orders request statuses for cross-request merges.
// The status listed first wins.
var RequestStatusPriority = []Status{
	StatusPending,
	StatusSubmitted,
	StatusDownloading,
	StatusPartiallyAvailable,
	StatusAvailable,
	StatusDenied,
	StatusFailed,
	StatusRemoved,
	StatusAlreadyExists,
}

// ItemStatusPriority orders item statuses when the same (season, episode)
// appears in several requests. It is deliberately not RequestStatusPriority:
// an available episode must never regress to pending in the merged view.
var ItemStatusPriority = []Status{
	StatusAvailable,
	StatusDownloading,
	StatusSubmitted,
	StatusPending,
	StatusDenied,
	StatusFailed,
}

// Valid reports whether s is a known request status.
func (s Status) Valid() bool {
	return indexOf(s, RequestStatusPriority) >= 0
}

// IsTerminal reports whether sync skips the status unless forced.
func (s Status) IsTerminal() bool {
	return s == StatusAvailable || s == StatusDenied || s == StatusRemoved
}

func indexOf(s Status, list []Status) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// PickStatus returns whichever of current and incoming sits earlier in list.
// A status missing from list loses to one that is present; if both are
// missing current is kept.
func PickStatus(current, incoming Status, list []Status) Status {
	ci, ii := indexOf(current, list), indexOf(incoming, list)
	switch {
	case ii < 0:
		return current
	case ci < 0:
		return incoming
	case ii < ci:
		return incoming
	default:
		return current
	}
}

// AggregateStatus derives a request status from freshly evaluated item
// statuses. fallback is returned when items is empty.
func AggregateStatus(items []Status, fallback Status) Status {
	if len(items) == 0 {
		return fallback
	}

	counts := make(map[Status]int, len(items))
	for _, s := range items {
		counts[s]++
	}
	n := len(items)

	switch {
	case counts[StatusAvailable] == n:
		return StatusAvailable
	case counts[StatusRemoved] == n:
		return StatusRemoved
	case counts[StatusDenied] == n:
		return StatusDenied
	case counts[StatusFailed] > 0:
		return StatusFailed
	case counts[StatusDownloading] > 0:
		return StatusDownloading
	case counts[StatusAvailable] > 0:
		return StatusPartiallyAvailable
	case counts[StatusSubmitted] > 0:
		return StatusSubmitted
	case counts[StatusPending] > 0:
		return StatusPending
	}

	merged := items[0]
	for _, s := range items[1:] {
		merged = PickStatus(merged, s, RequestStatusPriority)
	}
	return merged
}
