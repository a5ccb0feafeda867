package dnssd

import (
	"errors"
	"fmt"
)

// ErrorCode is the status reported by the responder, either synchronously
// when a request is issued or asynchronously in a reply.
type ErrorCode int32

const (
	NoError                   ErrorCode = 0
	ErrUnknown                ErrorCode = -65537
	ErrNoSuchName             ErrorCode = -65538
	ErrNoMemory               ErrorCode = -65539
	ErrBadParam               ErrorCode = -65540
	ErrBadReference           ErrorCode = -65541
	ErrBadState               ErrorCode = -65542
	ErrBadFlags               ErrorCode = -65543
	ErrUnsupported            ErrorCode = -65544
	ErrNotInitialized         ErrorCode = -65545
	ErrAlreadyRegistered      ErrorCode = -65547
	ErrNameConflict           ErrorCode = -65548
	ErrInvalid                ErrorCode = -65549
	ErrFirewall               ErrorCode = -65550
	ErrIncompatible           ErrorCode = -65551
	ErrBadInterfaceIndex      ErrorCode = -65552
	ErrRefused                ErrorCode = -65553
	ErrNoSuchRecord           ErrorCode = -65554
	ErrNoAuth                 ErrorCode = -65555
	ErrNoSuchKey              ErrorCode = -65556
	ErrNATTraversal           ErrorCode = -65557
	ErrDoubleNAT              ErrorCode = -65558
	ErrBadTime                ErrorCode = -65559
	ErrBadSig                 ErrorCode = -65560
	ErrBadKey                 ErrorCode = -65561
	ErrTransient              ErrorCode = -65562
	ErrServiceNotRunning      ErrorCode = -65563
	ErrNATPortMappingUnsupp   ErrorCode = -65564
	ErrNATPortMappingDisabled ErrorCode = -65565
	ErrNoRouter               ErrorCode = -65566
	ErrPollingMode            ErrorCode = -65567
	ErrTimeout                ErrorCode = -65568
)

var errorCodeNames = map[ErrorCode]string{
	NoError:                   "OK",
	ErrUnknown:                "Unknown",
	ErrNoSuchName:             "No Such Name",
	ErrNoMemory:               "No Memory",
	ErrBadParam:               "Bad Param",
	ErrBadReference:           "Bad Reference",
	ErrBadState:               "Bad State",
	ErrBadFlags:               "Bad Flags",
	ErrUnsupported:            "Unsupported",
	ErrNotInitialized:         "Not Initialized",
	ErrAlreadyRegistered:      "Already Registered",
	ErrNameConflict:           "Name Conflict",
	ErrInvalid:                "Invalid",
	ErrFirewall:               "Firewall",
	ErrIncompatible:           "Incompatible",
	ErrBadInterfaceIndex:      "Bad Interface Index",
	ErrRefused:                "Refused",
	ErrNoSuchRecord:           "No Such Record",
	ErrNoAuth:                 "No Auth",
	ErrNoSuchKey:              "No Such Key",
	ErrNATTraversal:           "NAT Traversal",
	ErrDoubleNAT:              "Double NAT",
	ErrBadTime:                "Bad Time",
	ErrBadSig:                 "Bad Sig",
	ErrBadKey:                 "Bad Key",
	ErrTransient:              "Transient",
	ErrServiceNotRunning:      "Service Not Running",
	ErrNATPortMappingUnsupp:   "NAT Port Mapping Unsupported",
	ErrNATPortMappingDisabled: "NAT Port Mapping Disabled",
	ErrNoRouter:               "No Router",
	ErrPollingMode:            "Polling Mode",
	ErrTimeout:                "Timeout",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Unknown Error (%d)", int32(c))
}

// Err returns nil for NoError and the code itself otherwise, so that a code
// can flow through regular error returns.
func (c ErrorCode) Err() error {
	if c == NoError {
		return nil
	}

	return c
}

func (c ErrorCode) Error() string {
	return fmt.Sprintf("dnssd: %s (%d)", c.String(), int32(c))
}

// CodeOf extracts the responder code carried by err. Local failures that do
// not carry a code are reported as ErrUnknown.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return NoError
	}

	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}

	return ErrUnknown
}
