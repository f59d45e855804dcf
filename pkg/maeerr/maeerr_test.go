package maeerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(MissingField, "region is required")
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, MissingField, kind)
}

func TestKindOfPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("boom"))
	assert.False(t, ok)
}

func TestIsRetryableUpstream(t *testing.T) {
	assert.True(t, IsRetryableUpstream(New(UpstreamFaultHTTP, "connection refused")))
	assert.True(t, IsRetryableUpstream(New(UpstreamFaultStore, "write failed")))
	assert.False(t, IsRetryableUpstream(New(ASGNotFound, "no such group")))
	assert.False(t, IsRetryableUpstream(errors.New("plain")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(UpstreamFaultHTTP, "fetching remote task", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dial tcp: timeout")
}

func TestWithPayload(t *testing.T) {
	err := New(UnknownSecurityGroups, "unresolved groups").WithPayload([]string{"sg-missing"})
	assert.Equal(t, []string{"sg-missing"}, err.Payload)
}
