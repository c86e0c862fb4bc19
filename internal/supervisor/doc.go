// Package supervisor owns the job lifecycle: it is the only component that
// starts, stops, and transitions jobs.
//
// A job is created by launching the isolation wrapper and enters Running
// only once the wrapper confirms the target command has been execed; a
// failed launch creates no job at all. From Running a job moves to exactly
// one of the terminal states Completed or Failed, and that transition is
// written solely by the job's reaper goroutine observing the OS process
// exit, so a client-initiated stop can never race the natural exit on the
// state.
package supervisor
