package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"agentswarm/internal/domain"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", fmt.Errorf("net:request: %w", domain.ErrRateLimit), true},
		{"busy agent", domain.ErrAgentBusy, true},
		{"deadline", context.DeadlineExceeded, true},
		{"connection refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"temporary dns", &net.DNSError{Err: "server misbehaving", IsTemporary: true}, true},
		{"unknown host", &net.DNSError{Err: "no such host", IsNotFound: true}, false},
		{"approval timeout", domain.ErrApprovalTimeout, false},
		{"sandbox breach", domain.ErrSandboxResourceExceeded, false},
		{"rejected", domain.ErrApprovalRejected, false},
		{"plain", errors.New("file not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestErrorReplyMarksTransient(t *testing.T) {
	reply := errorReply(domain.ErrRateLimit)
	assert.True(t, reply.Retryable)
	assert.Contains(t, reply.Error, "may succeed on retry")

	reply = errorReply(domain.ErrPathOutsideSandbox)
	assert.False(t, reply.Retryable)
	assert.Equal(t, domain.ErrPathOutsideSandbox.Error(), reply.Error)
}
