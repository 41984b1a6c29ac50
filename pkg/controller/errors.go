package controller

import (
	"errors"
	"fmt"
)

// ErrInvalidState is wrapped by every error returned for an operation the
// current RunState forbids.
var ErrInvalidState = errors.New("invalid state transition")

var (
	ErrRunning             = fmt.Errorf("%w: test is running", ErrInvalidState)
	ErrSelectionPending    = fmt.Errorf("%w: servers were added, select a server before starting the test", ErrInvalidState)
	ErrNoServers           = fmt.Errorf("%w: no servers added", ErrInvalidState)
	ErrAlreadySelected     = fmt.Errorf("%w: server already selected", ErrInvalidState)
	ErrSelectAlreadyCalled = fmt.Errorf("%w: server selection already ran", ErrInvalidState)
	ErrAddAfterSelection   = fmt.Errorf("%w: cannot add a server after server selection", ErrInvalidState)
	ErrNotStarted          = fmt.Errorf("%w: cannot abort a test that hasn't started", ErrInvalidState)
	ErrNotRunning          = fmt.Errorf("%w: test already ended", ErrInvalidState)
	ErrNoServerSelected    = fmt.Errorf("%w: no server is selected", ErrInvalidState)
)

// ErrServerListUnavailable is returned by LoadServerList and LoadServerFile
// when the list could not be fetched, parsed or validated. No server of the
// list is registered in that case.
var ErrServerListUnavailable = errors.New("server list unavailable")
