// Package errors defines the per-key and top-level error taxonomy for
// the atomic update pipeline, modeled on storage-node's
// internal/errors/codes.go: a structured error type with a stable kind,
// optional detail fields and gRPC-status mapping.
package errors

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind enumerates the error taxonomy of spec.md §7.
type Kind int

const (
	// EntryRemoved: the entry went obsolete mid-operation; retriable
	// locally up to a fixed cap.
	EntryRemoved Kind = iota
	// InvalidPartition: the partition is not owned locally; abandons
	// the whole batch and triggers a full remap.
	InvalidPartition
	// Topology: a remote node left mid-request; merged into failed keys.
	Topology
	// Rejected: admission (thread/worker pool) refused the job.
	Rejected
	// Deployment: a user-supplied transform or filter function could not
	// be used (the transform is missing or returned an error, or the
	// function would have to be shipped to a remote primary).
	Deployment
	// Interrupted: shutdown or explicit cancellation.
	Interrupted
	// Store: the persistence collaborator failed.
	Store
	// Remap: not an error — the request returns and the client retries
	// at the new topology.
	Remap
)

func (k Kind) String() string {
	switch k {
	case EntryRemoved:
		return "EntryRemoved"
	case InvalidPartition:
		return "InvalidPartition"
	case Topology:
		return "Topology"
	case Rejected:
		return "Rejected"
	case Deployment:
		return "Deployment"
	case Interrupted:
		return "Interrupted"
	case Store:
		return "Store"
	case Remap:
		return "Remap"
	default:
		return "Unknown"
	}
}

// CacheError is the structured error carried on every per-key failure
// and on top-level routing failures.
type CacheError struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CacheError) Unwrap() error { return e.Cause }

// WithDetail attaches a detail field and returns e for chaining.
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToGRPCStatus maps a CacheError onto a gRPC status, used by the health
// and admin surfaces that sit in front of the pipeline.
func (e *CacheError) ToGRPCStatus() *status.Status {
	return status.New(e.grpcCode(), e.Error())
}

func (e *CacheError) grpcCode() codes.Code {
	switch e.Kind {
	case InvalidPartition, Remap, Topology:
		return codes.Unavailable
	case Rejected:
		return codes.ResourceExhausted
	case EntryRemoved:
		return codes.Aborted
	case Deployment:
		return codes.Internal
	case Interrupted:
		return codes.Canceled
	case Store:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// New builds a CacheError of kind with message.
func New(kind Kind, message string, cause error) *CacheError {
	return &CacheError{Kind: kind, Message: message, Cause: cause}
}

func NewEntryRemoved(key string) *CacheError {
	return New(EntryRemoved, "entry removed during update", nil).WithDetail("key", key)
}

func NewInvalidPartition(partition uint32) *CacheError {
	return New(InvalidPartition, "partition not owned locally", nil).WithDetail("partition", partition)
}

func NewTopology(nodeID string) *CacheError {
	return New(Topology, "owning node left during request", nil).WithDetail("node_id", nodeID)
}

func NewRejected(reason string) *CacheError {
	return New(Rejected, reason, nil)
}

func NewDeployment(cause error) *CacheError {
	return New(Deployment, "transform function failed", cause)
}

func NewInterrupted() *CacheError {
	return New(Interrupted, "node stopping", nil)
}

func NewStore(cause error) *CacheError {
	return New(Store, "persistence collaborator failed", cause)
}

// IsKind reports whether err is a *CacheError of the given kind.
func IsKind(err error, kind Kind) bool {
	ce, ok := err.(*CacheError)
	return ok && ce.Kind == kind
}
