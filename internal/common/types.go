package common

// Kind is the syntactic class of an indicator of compromise.
type Kind string

const (
	KindIP     Kind = "ip"
	KindDomain Kind = "domain"
)

// Status is the fused verdict for an indicator.
type Status string

const (
	StatusClean      Status = "clean"
	StatusSuspicious Status = "suspicious"
	StatusMalicious  Status = "malicious"
)

// Rank orders statuses by severity so callers can compare them.
func (s Status) Rank() int {
	switch s {
	case StatusMalicious:
		return 2
	case StatusSuspicious:
		return 1
	default:
		return 0
	}
}

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	// ErrorUnavailable means the provider is not configured or deliberately skipped.
	ErrorUnavailable ErrorKind = "unavailable"
	// ErrorTransport covers network failures, timeouts, non-2xx answers and bad payloads.
	ErrorTransport ErrorKind = "transport"
)
