package mesh

import "errors"

var (
	// ErrPairingRejected means the device refused the mesh credentials.
	// Candidate-local: the scheduler moves on to the next candidate, but
	// every candidate rejecting points at a configuration problem.
	ErrPairingRejected = errors.New("mesh: pairing rejected, check mesh name and password")

	// ErrConnectTimeout means the transport connect attempt ran out of
	// time. Reported distinctly from rejection so the scheduler can skip
	// the candidate for this cycle.
	ErrConnectTimeout = errors.New("mesh: connect timed out")

	// ErrNotAuthenticated means a command was attempted without an
	// authenticated session.
	ErrNotAuthenticated = errors.New("mesh: no authenticated session")

	// ErrNoGateway means every connection candidate failed or none was
	// reachable.
	ErrNoGateway = errors.New("mesh: no reachable gateway")

	// ErrWorkerDown means the command worker has exited; no further
	// commands can be processed.
	ErrWorkerDown = errors.New("mesh: command worker is not running")

	// ErrShuttingDown is reported for commands abandoned by shutdown.
	ErrShuttingDown = errors.New("mesh: shutting down")
)
