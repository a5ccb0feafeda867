package mdns

import (
	"errors"
	"fmt"

	otbr "github.com/threadbr/go-otbr"
	"github.com/threadbr/go-otbr/dnssd"
)

// TranslateError maps a responder code onto the agent error kinds. The
// result matches both the kind sentinel and the original code with
// errors.Is.
func TranslateError(code dnssd.ErrorCode) error {
	var kind error
	switch code {
	case dnssd.NoError:
		return nil
	case dnssd.ErrNoSuchKey, dnssd.ErrNoSuchName, dnssd.ErrNoSuchRecord:
		kind = otbr.ErrNotFound
	case dnssd.ErrInvalid, dnssd.ErrBadParam, dnssd.ErrBadFlags, dnssd.ErrBadInterfaceIndex:
		kind = otbr.ErrInvalidArgs
	case dnssd.ErrNameConflict:
		kind = otbr.ErrDuplicated
	case dnssd.ErrUnsupported:
		kind = otbr.ErrNotImplemented
	case dnssd.ErrServiceNotRunning:
		kind = otbr.ErrInvalidState
	default:
		kind = otbr.ErrMdns
	}

	return fmt.Errorf("%w: %w", kind, code)
}

// issueError converts a synchronous client failure. Local failures already
// carry otbr.ErrErrno and are returned unchanged.
func issueError(err error) error {
	var code dnssd.ErrorCode
	if errors.As(err, &code) {
		return TranslateError(code)
	}

	return err
}
