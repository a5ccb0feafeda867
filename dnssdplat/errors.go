package dnssdplat

import "fmt"

// OtError is a Thread stack error code.
type OtError uint8

const (
	OtErrorNone           OtError = 0
	OtErrorFailed         OtError = 1
	OtErrorParse          OtError = 6
	OtErrorInvalidArgs    OtError = 7
	OtErrorAbort          OtError = 11
	OtErrorNotImplemented OtError = 12
	OtErrorInvalidState   OtError = 13
	OtErrorNotFound       OtError = 23
	OtErrorDuplicated     OtError = 29
)

func (e OtError) String() string {
	switch e {
	case OtErrorNone:
		return "OK"
	case OtErrorFailed:
		return "Failed"
	case OtErrorParse:
		return "Parse"
	case OtErrorInvalidArgs:
		return "InvalidArgs"
	case OtErrorAbort:
		return "Abort"
	case OtErrorNotImplemented:
		return "NotImplemented"
	case OtErrorInvalidState:
		return "InvalidState"
	case OtErrorNotFound:
		return "NotFound"
	case OtErrorDuplicated:
		return "Duplicated"
	default:
		return fmt.Sprintf("OtError(%d)", uint8(e))
	}
}
