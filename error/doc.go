// Package error provides interfaces for errors to implement and behavior
// based error checking helper functions for the admission error taxonomy.
// This keeps the error classification decoupled from the package APIs.
// Refer https://dave.cheney.net/2016/04/27/dont-just-check-errors-handle-them-gracefully
// for detailed explanation.
package error
