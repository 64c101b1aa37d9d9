package model

// Status is the lifecycle state of an engine instance.
type Status string

// Engine status constants.
const (
	StatusUninitialized   Status = "uninitialized"
	StatusLoading         Status = "loading"
	StatusAwaitingConsent Status = "awaiting-consent"
	StatusReady           Status = "ready"
	StatusBusy            Status = "busy"
	StatusError           Status = "error"
	StatusTerminated      Status = "terminated"
	StatusDisposed        Status = "disposed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[Status]map[Status]bool{
	StatusUninitialized: {
		StatusLoading:         true,
		StatusAwaitingConsent: true,
		StatusTerminated:      true,
		StatusDisposed:        true,
	},
	StatusAwaitingConsent: {
		StatusLoading:       true,
		StatusUninitialized: true,
		StatusTerminated:    true,
		StatusDisposed:      true,
	},
	StatusLoading: {
		StatusReady:      true,
		StatusError:      true,
		StatusTerminated: true,
		StatusDisposed:   true,
	},
	StatusReady: {
		StatusBusy:       true,
		StatusError:      true,
		StatusTerminated: true,
		StatusDisposed:   true,
	},
	StatusBusy: {
		StatusReady:      true,
		StatusError:      true,
		StatusTerminated: true,
		StatusDisposed:   true,
	},
	StatusError: {
		StatusLoading:    true,
		StatusTerminated: true,
		StatusDisposed:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s is an end state. No transitions leave a terminal status.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusDisposed
}

// Accepting reports whether an engine in status s accepts search commands.
func (s Status) Accepting() bool {
	return s == StatusReady || s == StatusBusy
}
