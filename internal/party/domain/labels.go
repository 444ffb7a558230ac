package domain

import "strings"

// StatusLabel returns the string label for a party status.
func StatusLabel(status Status) string {
	switch status {
	case StatusOpen:
		return "OPEN"
	case StatusFull:
		return "FULL"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNSPECIFIED"
	}
}

// StatusFromLabel converts a status label to a Status value.
func StatusFromLabel(label string) Status {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "OPEN":
		return StatusOpen
	case "FULL":
		return StatusFull
	case "CLOSED":
		return StatusClosed
	default:
		return StatusUnspecified
	}
}

// TrackingStateLabel returns the string label for a tracking state.
func TrackingStateLabel(state TrackingState) string {
	switch state {
	case TrackingClaimed:
		return "TRACKING"
	case TrackingProcessed:
		return "PROCESSED"
	default:
		return "UNTRACKED"
	}
}

// TrackingStateFromLabel converts a tracking label to a TrackingState value.
func TrackingStateFromLabel(label string) TrackingState {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "TRACKING":
		return TrackingClaimed
	case "PROCESSED":
		return TrackingProcessed
	default:
		return TrackingUntracked
	}
}
