package executor

import (
	"context"
	"errors"
	"net"
	"syscall"

	"agentswarm/internal/domain"
)

// retryable reports whether a failed tool call may succeed if the agent
// issues it again unchanged. Approval timeouts and sandbox breaches are final:
// repeating them only re-stages or re-kills.
func retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, domain.ErrApprovalTimeout), errors.Is(err, domain.ErrSandboxResourceExceeded):
		return false
	case domain.IsRetryableError(err):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsTemporary
}
