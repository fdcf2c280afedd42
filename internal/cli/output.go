// Package cli provides error handling and output utilities for CLI output.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

// PrintError prints an error to stderr with appropriate formatting.
// If the error is an AutoError, it uses the user-friendly format.
// Otherwise, it prints a simple error message.
func PrintError(err error) {
	if autoErr := autoerrors.AsAutoError(err); autoErr != nil {
		fmt.Fprintln(os.Stderr, autoErr.UserMessage())
		if verbose {
			// In verbose mode, also print the error code and cause
			fmt.Fprintf(os.Stderr, "\nCode: %s\n", autoErr.Code)
			if autoErr.Cause != nil {
				fmt.Fprintf(os.Stderr, "Cause: %v\n", autoErr.Cause)
			}
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

// jsonEnvelope is the single-line result wrapper emitted by
// --output-format json. Exactly one envelope per invocation.
type jsonEnvelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *jsonError `json:"error,omitempty"`
}

type jsonError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Fix     string `json:"fix,omitempty"`
}

// printJSON writes the success envelope to stdout.
func printJSON(data any) {
	writeJSON(os.Stdout, jsonEnvelope{Success: true, Data: data})
}

// printJSONError writes the failure envelope to stdout.
func printJSONError(err error) {
	writeJSON(os.Stdout, jsonEnvelope{Success: false, Error: envelopeError(err)})
}

// envelopeError maps an error onto the envelope's error object, carrying the
// structured code and fix when available.
func envelopeError(err error) *jsonError {
	je := &jsonError{Message: err.Error()}
	if autoErr := autoerrors.AsAutoError(err); autoErr != nil {
		je.Code = string(autoErr.Code)
		je.Message = autoErr.What
		je.Fix = autoErr.Fix
	}
	return je
}

func writeJSON(w io.Writer, env jsonEnvelope) {
	buf, err := json.Marshal(env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode output: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(buf))
}
