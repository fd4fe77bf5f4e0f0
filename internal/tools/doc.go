// Package tools owns device-control protocol invocation.
//
// Ownership boundary:
// - adb executable resolution
//
// - process execution (local host or remote lab host over SSH)
//
// - timeout enforcement and result normalization
//
// Every outcome is a CommandResult value. Runner implementations never return
// errors or panic; a timeout hard-kills the spawned process. Caller
// cancellation does not kill a process that was already dispatched.
package tools
