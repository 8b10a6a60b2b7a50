// Package engineerr defines the error taxonomy of spec.md §7, shared by
// every component that can fail in a way the provider controller or the
// metrics collector needs to classify.
package engineerr

import "fmt"

// Code is a short, stable classification tag, the same idea as the
// ErrClassifier strings used elsewhere in the ecosystem for categorising
// network errors for analysis.
type Code string

const (
	CodeInvalidConfiguration Code = "invalid_configuration"
	CodeNetworkSettingsFailed Code = "network_settings_failed"
	CodeEngineStartFailed     Code = "engine_start_failed"
	CodeDialFailed            Code = "dial_failed"
	CodeBlocked               Code = "blocked"
	CodeAdmissionDenied       Code = "admission_denied"
	CodeBufferOverflow        Code = "buffer_overflow"
)

// Classified is implemented by every error in this package so callers can
// switch on Code() instead of type-asserting each concrete type.
type Classified interface {
	error
	Code() Code
}

// Fatal marks an error as one that must surface exactly once via didFail
// and halt the engine (spec.md §7 propagation policy).
type Fatal interface {
	Classified
	fatal()
}

// InvalidConfiguration reports one or more configuration validation
// failures, fatal at start time.
type InvalidConfiguration struct {
	Issues []string
}

func (e *InvalidConfiguration) Error() string {
	return fmt.Sprintf("invalid configuration: %v", e.Issues)
}
func (e *InvalidConfiguration) Code() Code { return CodeInvalidConfiguration }
func (e *InvalidConfiguration) fatal()     {}

// NetworkSettingsFailed reports that the host could not apply interface
// settings. Fatal.
type NetworkSettingsFailed struct {
	Message string
}

func (e *NetworkSettingsFailed) Error() string { return "network settings failed: " + e.Message }
func (e *NetworkSettingsFailed) Code() Code     { return CodeNetworkSettingsFailed }
func (e *NetworkSettingsFailed) fatal()         {}

// EngineStartFailed reports that the stack or tun device failed to
// initialise. Fatal.
type EngineStartFailed struct {
	Message string
}

func (e *EngineStartFailed) Error() string { return "engine start failed: " + e.Message }
func (e *EngineStartFailed) Code() Code     { return CodeEngineStartFailed }
func (e *EngineStartFailed) fatal()         {}

// DialKind enumerates the ways an outbound dial can fail, per spec.md §4.5.
type DialKind string

const (
	DialBlocked         DialKind = "Blocked"
	DialHostUnreachable DialKind = "HostUnreachable"
	DialTimeout         DialKind = "Timeout"
	DialRefused         DialKind = "Refused"
	DialCancelled       DialKind = "Cancelled"
)

// DialFailed is recoverable: it closes the single affected flow, records
// an error event, and never stops the engine.
type DialFailed struct {
	Kind DialKind
	Host string
	Port int
	Err  error
}

func (e *DialFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dial %s:%d failed (%s): %v", e.Host, e.Port, e.Kind, e.Err)
	}
	return fmt.Sprintf("dial %s:%d failed (%s)", e.Host, e.Port, e.Kind)
}
func (e *DialFailed) Unwrap() error { return e.Err }
func (e *DialFailed) Code() Code    { return CodeDialFailed }

// Blocked is a policy decision: the affected flow is closed with
// RST/drop and a didFail event scoped to the flow is emitted.
type Blocked struct {
	Host string
}

func (e *Blocked) Error() string { return "blocked host: " + e.Host }
func (e *Blocked) Code() Code    { return CodeBlocked }

// AdmissionDenied results in a counter bump only; no per-occurrence event.
type AdmissionDenied struct {
	Reason string
}

func (e *AdmissionDenied) Error() string { return "admission denied: " + e.Reason }
func (e *AdmissionDenied) Code() Code    { return CodeAdmissionDenied }

// BufferOverflow results in a counter bump; the specific packet or sample
// is dropped.
type BufferOverflow struct {
	Where string
}

func (e *BufferOverflow) Error() string { return "buffer overflow: " + e.Where }
func (e *BufferOverflow) Code() Code    { return CodeBufferOverflow }

var (
	_ Fatal      = (*InvalidConfiguration)(nil)
	_ Fatal      = (*NetworkSettingsFailed)(nil)
	_ Fatal      = (*EngineStartFailed)(nil)
	_ Classified = (*DialFailed)(nil)
	_ Classified = (*Blocked)(nil)
	_ Classified = (*AdmissionDenied)(nil)
	_ Classified = (*BufferOverflow)(nil)
)
