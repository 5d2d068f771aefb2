// Package exitcodes defines the standard exit codes used by ci-harness.
package exitcodes

// Exit code constants used by ci-harness
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
//   - Success (0): Used when every critical step of the job succeeded
//   - TestFailure (1): Used when one or more tests failed
//   - RuntimeErr (2): Used for runtime errors such as provisioning failures,
//     install failures, panics or timeouts
const (
	Success     = 0 // Job succeeded
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Runtime errors or timeouts
)
