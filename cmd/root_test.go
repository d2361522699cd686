package cmd

import (
	"errors"
	"fmt"
	"mere/internal/auth"
	"mere/internal/config"
	"mere/internal/transport"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: destination is required", config.ErrInvalid), exitConfig},
		{auth.ErrNoCredentialAvailable, exitAuth},
		{&transport.ConnectError{Kind: transport.ConnectAuthRejected, Err: errors.New("unable to authenticate")}, exitAuth},
		{&transport.ConnectError{Kind: transport.ConnectHostKey, Err: errors.New("key mismatch")}, exitTransport},
		{&transport.ConnectError{Kind: transport.ConnectHostUnreachable, Err: errors.New("no such host")}, exitTransport},
		{errors.New("boom"), exitGeneric},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, exitCode(c.err), c.err.Error())
	}
}

func TestSplitArgs(t *testing.T) {
	dest, paths := splitArgs([]string{"nas", "/data/a"}, []string{"/data/b"})
	assert.Equal(t, "nas", dest)
	assert.Equal(t, []string{"/data/b", "/data/a"}, paths)

	dest, paths = splitArgs(nil, nil)
	assert.Empty(t, dest)
	assert.Empty(t, paths)
}
