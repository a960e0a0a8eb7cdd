package cli

import (
	"errors"

	"github.com/majorcontext/origin/internal/attest"
	"github.com/majorcontext/origin/internal/ui"
)

// Exit codes.
const (
	exitRejected = 1
	exitInfra    = 2
)

// errRejected is returned when a packet was checked and did not verify. The
// verdict has already been printed.
var errRejected = errors.New("packet rejected")

// ExitCode maps an error returned by Execute to a process exit code. Only a
// verdict on the input exits 1: a rejected packet, a malformed packet or a
// tampered ledger. Everything that kept the check from running, including
// infrastructure errors, configuration and usage errors, exits 2.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errRejected), errors.Is(err, attest.ErrMalformedPacket):
		return exitRejected
	default:
		return exitInfra
	}
}

func reportError(err error) {
	if err == nil || errors.Is(err, errRejected) {
		return
	}
	ui.Error(err.Error())
}
