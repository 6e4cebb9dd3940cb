package supervisor

// Handle abstracts signaling a spawned process group so the supervisor core
// stays portable across signal-based and kill-based platforms.
type Handle interface {
	// PID returns the leader process id.
	PID() int
	// PGID returns the process-group id used for group signaling.
	PGID() int
	// Alive reports whether any process of the group is still running.
	// A zombie leader counts as dead.
	Alive() bool
	// Terminate asks the whole group to exit gracefully.
	Terminate() error
	// Kill forcibly ends the whole group.
	Kill() error
}
