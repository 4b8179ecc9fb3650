// SPDX-License-Identifier: Apache-2.0
package main

import (
	"fmt"
	"os"

	"github.com/samurai-wtf/katana/internal/katanaerr"
)

// CLIError formats a katanaerr.Error for the terminal, surfacing its
// remediation hint the way the rest of the taxonomy's Help field is
// meant to be consumed.
type CLIError struct {
	*katanaerr.Error
}

// NewCLIError wraps err as a katanaerr.Error, coercing unknown error
// types to CodeInternal.
func NewCLIError(err error) *CLIError {
	return &CLIError{Error: katanaerr.As(err)}
}

// PrintError writes the error and its hint, if any, to stderr.
func (e *CLIError) PrintError() {
	fmt.Fprintf(os.Stderr, "Error [%s]: %s\n", e.Code, e.Message)
	if e.Help != "" {
		fmt.Fprintf(os.Stderr, "  Hint: %s\n", e.Help)
	}
}

// exitCodes maps each machine error code to a distinct, stable process
// exit status so scripts can branch on failure kind without parsing text.
var exitCodes = map[katanaerr.Code]int{
	katanaerr.CodeConfig:            10,
	katanaerr.CodeState:             11,
	katanaerr.CodeModule:            12,
	katanaerr.CodeDocker:            13,
	katanaerr.CodeDockerNotRunning:  14,
	katanaerr.CodeDockerPermission:  15,
	katanaerr.CodeCert:              16,
	katanaerr.CodeCertNotInit:       17,
	katanaerr.CodeCertExpired:       18,
	katanaerr.CodeOpensslNotFound:   19,
	katanaerr.CodeDNS:               20,
	katanaerr.CodeDNSPermission:     21,
	katanaerr.CodeProxy:             22,
	katanaerr.CodePortBind:          23,
	katanaerr.CodeContainerNotReach: 24,
	katanaerr.CodeRouteNotFound:     25,
	katanaerr.CodeSystemLocked:      26,
	katanaerr.CodeNotFound:          27,
	katanaerr.CodeAlreadyExists:     28,
	katanaerr.CodeOperationInFlight: 29,
	katanaerr.CodeTimedOut:          30,
	katanaerr.CodeValidation:        31,
	katanaerr.CodeInternal:          32,
	katanaerr.CodeNotSupported:      33,
}

func exitCode(code katanaerr.Code) int {
	if c, ok := exitCodes[code]; ok {
		return c
	}
	return 1
}

// fatalErr prints err in CLI form and exits with its mapped code.
func fatalErr(err error) {
	ce := NewCLIError(err)
	ce.PrintError()
	os.Exit(exitCode(ce.Code))
}
