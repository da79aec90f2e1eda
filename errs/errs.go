// Package errs defines the error-kind taxonomy the pipeline reports
// through the Control ABI: ConfigError and IoError abort at init time;
// ResourceError and InvariantError flip the engine's fatal cause during
// steady state; Cancelled is only ever returned from shutdown paths.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies which of the five error categories a Cause belongs to.
type Kind int

const (
	Config Kind = iota
	Io
	Resource
	Invariant
	Cancel
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "ConfigError"
	case Io:
		return "IoError"
	case Resource:
		return "ResourceError"
	case Invariant:
		return "InvariantError"
	case Cancel:
		return "Cancelled"
	default:
		return "UnknownError"
	}
}

// Cause is the concrete error type carried by every pipeline failure.
type Cause struct {
	Kind Kind
	Op   string // component/operation that raised it, e.g. "ohash.fill_with_duplicates"
	Err  error
}

func (c *Cause) Error() string {
	if c.Err == nil {
		return fmt.Sprintf("%s: %s", c.Kind, c.Op)
	}
	return fmt.Sprintf("%s: %s: %v", c.Kind, c.Op, c.Err)
}

func (c *Cause) Unwrap() error { return c.Err }

func new(k Kind, op string, err error) *Cause {
	return &Cause{Kind: k, Op: op, Err: err}
}

func ConfigError(op string, err error) *Cause    { return new(Config, op, err) }
func IoError(op string, err error) *Cause        { return new(Io, op, err) }
func ResourceError(op string, err error) *Cause  { return new(Resource, op, err) }
func InvariantError(op string, err error) *Cause { return new(Invariant, op, err) }
func Cancelled(op string) *Cause                 { return new(Cancel, op, nil) }

// IsKind reports whether err (or anything it wraps) is a Cause of kind k.
func IsKind(err error, k Kind) bool {
	var c *Cause
	if errors.As(err, &c) {
		return c.Kind == k
	}
	return false
}

// Fatal reports whether a Cause of this kind flips the engine's global
// fatal flag during steady-state operation, per spec's propagation policy.
// ConfigError/IoError are startup-only (never raised after init succeeds);
// Cancelled is shutdown-only and is never itself "fatal" in this sense.
func (k Kind) Fatal() bool {
	return k == Resource || k == Invariant
}
