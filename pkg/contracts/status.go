// Package contracts holds the shared types of the pkgport pipeline:
// the entities persisted by the store, the package status state
// machine, and the result shapes exchanged between components.
package contracts

// Status is the pipeline state of a package. It only ever advances in
// the order laid out in the transition table below; the single
// sanctioned backward move is the supervisor's stuck-work reset.
type Status string

const (
	StatusCheckingLicence    Status = "Checking Licence"
	StatusLicenceChecked     Status = "Licence Checked"
	StatusLicenceCheckFailed Status = "Licence Check Failed"
	StatusDownloading        Status = "Downloading"
	StatusDownloaded         Status = "Downloaded"
	StatusDownloadFailed     Status = "Download Failed"
	StatusSecurityScanning   Status = "Security Scanning"
	StatusSecurityScanned    Status = "Security Scanned"
	StatusSecurityScanFailed Status = "Security Scan Failed"
	StatusPendingApproval    Status = "Pending Approval"
	StatusApproved           Status = "Approved"
	StatusRejected           Status = "Rejected"
	StatusPublishing         Status = "Publishing"
	StatusPublished          Status = "Published"
	StatusPublishFailed      Status = "Publish Failed"
)

// forward enumerates every legal forward transition. Anything not
// listed here is rejected by the store's CAS layer.
var forward = map[Status][]Status{
	StatusCheckingLicence:  {StatusLicenceChecked, StatusLicenceCheckFailed},
	StatusLicenceChecked:   {StatusDownloading},
	StatusDownloading:      {StatusDownloaded, StatusDownloadFailed},
	StatusDownloaded:       {StatusSecurityScanning},
	StatusSecurityScanning: {StatusSecurityScanned, StatusSecurityScanFailed},
	StatusSecurityScanned:  {StatusPendingApproval},
	StatusPendingApproval:  {StatusApproved, StatusRejected},
	StatusApproved:         {StatusPublishing},
	StatusPublishing:       {StatusPublished, StatusPublishFailed},
}

// resetTarget maps each in-flight state to the state the supervisor
// returns it to when it has been stuck past the timeout. Checking
// Licence is both the initial state and an in-flight state, so it
// resets to itself (the sweep only refreshes updated_at).
var resetTarget = map[Status]Status{
	StatusCheckingLicence:  StatusCheckingLicence,
	StatusDownloading:      StatusLicenceChecked,
	StatusSecurityScanning: StatusDownloaded,
	StatusPublishing:       StatusApproved,
}

// retryTarget maps each retryable failure state to the checked state
// an operator reset returns it to. Licence Check Failed is a policy
// decision, not a transient fault, and has no retry target.
var retryTarget = map[Status]Status{
	StatusDownloadFailed:     StatusLicenceChecked,
	StatusSecurityScanFailed: StatusDownloaded,
	StatusPublishFailed:      StatusApproved,
}

// Valid reports whether s is a known pipeline status.
func (s Status) Valid() bool {
	switch s {
	case StatusCheckingLicence, StatusLicenceChecked, StatusLicenceCheckFailed,
		StatusDownloading, StatusDownloaded, StatusDownloadFailed,
		StatusSecurityScanning, StatusSecurityScanned, StatusSecurityScanFailed,
		StatusPendingApproval, StatusApproved, StatusRejected,
		StatusPublishing, StatusPublished, StatusPublishFailed:
		return true
	}
	return false
}

// CanTransition reports whether s -> next is a legal forward move.
func (s Status) CanTransition(next Status) bool {
	for _, t := range forward[s] {
		if t == next {
			return true
		}
	}
	return false
}

// InFlight reports whether s is an intermediate working state, i.e. a
// target for supervisor stuck-work recovery.
func (s Status) InFlight() bool {
	_, ok := resetTarget[s]
	return ok
}

// ResetTarget returns the state the supervisor resets a stuck
// in-flight row to. The second return is false for non-in-flight
// states.
func (s Status) ResetTarget() (Status, bool) {
	t, ok := resetTarget[s]
	return t, ok
}

// RetryTarget returns the state an operator reset moves a retryable
// failure back to. Terminal states (Rejected, Licence Check Failed,
// Published) have none.
func (s Status) RetryTarget() (Status, bool) {
	t, ok := retryTarget[s]
	return t, ok
}

// Terminal reports whether the pipeline will never move s forward on
// its own: the failure states, Rejected, and Published.
func (s Status) Terminal() bool {
	if s == StatusRejected || s == StatusPublished || s == StatusLicenceCheckFailed {
		return true
	}
	_, retryable := retryTarget[s]
	return retryable
}

// Settled reports whether s counts toward a request's completion
// percentage: everything from Security Scanned onward plus every
// failure state.
func (s Status) Settled() bool {
	switch s {
	case StatusSecurityScanned, StatusPendingApproval, StatusApproved,
		StatusPublished, StatusRejected,
		StatusLicenceCheckFailed, StatusDownloadFailed,
		StatusSecurityScanFailed, StatusPublishFailed:
		return true
	}
	return false
}

// InFlightStatuses returns the states subject to stuck-work recovery.
func InFlightStatuses() []Status {
	return []Status{StatusCheckingLicence, StatusDownloading, StatusSecurityScanning, StatusPublishing}
}
