// Package jobs runs configured commands as tasks on the host loop.
//
// A job occupies the loop for as long as its command runs, exactly like any
// other blocking unit of host work, so a command that hangs stops the
// liveness pings and eventually trips the watchdog. While it waits for the
// command the runner keeps offering safe points, which lets a pending
// termination request run without waiting for the command to finish.
//
// Commands are started in their own process group on Unix so a job timeout
// can signal the whole tree. On Windows only the direct child is signalled;
// grandchildren may survive a timeout.
package jobs
