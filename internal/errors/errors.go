// Package errors provides structured error types for auto.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for auto.
const (
	// Setup errors
	CodeNotInitialized     Code = "AUTO_NOT_INITIALIZED"
	CodeAlreadyInitialized Code = "AUTO_ALREADY_INITIALIZED"
	CodePackNotFound       Code = "PACK_NOT_FOUND"
	CodeConfigInvalid      Code = "CONFIG_INVALID"

	// Input errors
	CodeInputInvalid  Code = "INPUT_INVALID"
	CodeRunNotFound   Code = "RUN_NOT_FOUND"
	CodeRunActive     Code = "RUN_ALREADY_ACTIVE"
	CodeTrackerFailed Code = "TRACKER_FETCH_FAILED"

	// Dispatch errors
	CodeAgentUnavailable Code = "AGENT_UNAVAILABLE"
	CodeDispatchFailed   Code = "DISPATCH_FAILED"
	CodeDispatchTimeout  Code = "DISPATCH_TIMEOUT"

	// Schema errors
	CodeSchemaInvalid Code = "SCHEMA_VALIDATION_FAILED"
	CodePromptTooLong Code = "PROMPT_TOO_LONG"

	// Gate errors
	CodeGateFailed Code = "GATE_FAILED"

	// Store errors
	CodeStoreFailed Code = "STORE_FAILED"
)

// Kind groups error codes by the failure class they belong to.
type Kind string

const (
	KindUnknown  Kind = "unknown"
	KindSetup    Kind = "setup"
	KindInput    Kind = "input"
	KindDispatch Kind = "dispatch"
	KindSchema   Kind = "schema"
	KindGate     Kind = "gate"
	KindStore    Kind = "store"
)

// codeKinds maps error codes to their failure class.
var codeKinds = map[Code]Kind{
	CodeNotInitialized:     KindSetup,
	CodeAlreadyInitialized: KindSetup,
	CodePackNotFound:       KindSetup,
	CodeConfigInvalid:      KindSetup,
	CodeInputInvalid:       KindInput,
	CodeRunNotFound:        KindInput,
	CodeRunActive:          KindInput,
	CodeTrackerFailed:      KindInput,
	CodeAgentUnavailable:   KindDispatch,
	CodeDispatchFailed:     KindDispatch,
	CodeDispatchTimeout:    KindDispatch,
	CodeSchemaInvalid:      KindSchema,
	CodePromptTooLong:      KindSchema,
	CodeGateFailed:         KindGate,
	CodeStoreFailed:        KindStore,
}

// AutoError is the structured error type for auto.
type AutoError struct {
	Code    Code   `json:"code"`
	What    string `json:"what"`
	Why     string `json:"why,omitempty"`
	Fix     string `json:"fix,omitempty"`
	DocsURL string `json:"docs_url,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *AutoError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *AutoError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *AutoError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	if e.DocsURL != "" {
		b.WriteString("\n\nDocs: ")
		b.WriteString(e.DocsURL)
	}
	return b.String()
}

// Kind returns the failure class this error belongs to.
func (e *AutoError) Kind() Kind {
	if k, ok := codeKinds[e.Code]; ok {
		return k
	}
	return KindUnknown
}

// MarshalJSON implements json.Marshaler.
func (e *AutoError) MarshalJSON() ([]byte, error) {
	type alias AutoError
	aux := struct {
		*alias
		Kind     Kind   `json:"kind"`
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
		Kind:  e.Kind(),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an AutoError with the same code.
func (e *AutoError) Is(target error) bool {
	t, ok := target.(*AutoError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *AutoError) WithCause(err error) *AutoError {
	return &AutoError{
		Code:    e.Code,
		What:    e.What,
		Why:     e.Why,
		Fix:     e.Fix,
		DocsURL: e.DocsURL,
		Cause:   err,
	}
}

// --- Error constructors ---

// ErrNotInitialized returns an error for an uninitialized workspace.
func ErrNotInitialized() *AutoError {
	return &AutoError{
		Code:    CodeNotInitialized,
		What:    "auto is not initialized in this directory",
		Why:     "No .auto/ directory found in the current path or its parents",
		Fix:     "Run 'auto init' to initialize auto in this directory",
		DocsURL: "https://github.com/randalmurphal/auto#quick-start",
	}
}

// ErrAlreadyInitialized returns an error when auto is already initialized.
func ErrAlreadyInitialized(path string) *AutoError {
	return &AutoError{
		Code:    CodeAlreadyInitialized,
		What:    "auto is already initialized",
		Why:     fmt.Sprintf("Found existing .auto/ directory at %s", path),
		Fix:     "Use 'auto init --force' to reinitialize, or remove .auto/ manually",
		DocsURL: "https://github.com/randalmurphal/auto#initialization",
	}
}

// ErrPackNotFound returns an error when a methodology pack is missing.
func ErrPackNotFound(name string) *AutoError {
	return &AutoError{
		Code:    CodePackNotFound,
		What:    fmt.Sprintf("methodology pack '%s' not found", name),
		Why:     "The pack directory or one of its prompt templates does not exist",
		Fix:     fmt.Sprintf("Run 'auto init --pack %s' to scaffold it, or check .auto/packs/", name),
		DocsURL: "https://github.com/randalmurphal/auto#methodology-packs",
	}
}

// ErrTemplateNotFound returns an error when a pack lacks a prompt template.
func ErrTemplateNotFound(pack, template string) *AutoError {
	return &AutoError{
		Code: CodePackNotFound,
		What: fmt.Sprintf("prompt template '%s' not found in pack '%s'", template, pack),
		Why:  "The pack's prompts/ directory has no template with this name",
		Fix:  fmt.Sprintf("Add prompts/%s.md to the pack, or re-scaffold with 'auto init --force'", template),
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *AutoError {
	return &AutoError{
		Code:    CodeConfigInvalid,
		What:    fmt.Sprintf("invalid configuration: %s", field),
		Why:     reason,
		Fix:     "Check .auto/config.yaml and fix the invalid field",
		DocsURL: "https://github.com/randalmurphal/auto#configuration",
	}
}

// ErrInputInvalid returns an error for malformed command input.
func ErrInputInvalid(what, reason string) *AutoError {
	return &AutoError{
		Code: CodeInputInvalid,
		What: what,
		Why:  reason,
		Fix:  "Run 'auto --help' for accepted values",
	}
}

// ErrRunNotFound returns an error when a pipeline run doesn't exist.
func ErrRunNotFound(id string) *AutoError {
	return &AutoError{
		Code:    CodeRunNotFound,
		What:    fmt.Sprintf("pipeline run %s not found", id),
		Why:     "No pipeline run with this ID exists in the store",
		Fix:     "Run 'auto runs' to list recent pipeline runs",
		DocsURL: "https://github.com/randalmurphal/auto#runs",
	}
}

// ErrTrackerFailed returns an error when an issue-tracker fetch fails.
func ErrTrackerFailed(ref string, cause error) *AutoError {
	return &AutoError{
		Code:  CodeTrackerFailed,
		What:  fmt.Sprintf("could not fetch concept from %s", ref),
		Why:   "The issue tracker rejected the request or the issue does not exist",
		Fix:   "Check the issue reference and the tracker credentials in .auto/config.yaml",
		Cause: cause,
	}
}

// ErrRunActive returns an error when another pipeline run holds the lock.
func ErrRunActive(pid int) *AutoError {
	return &AutoError{
		Code:    CodeRunActive,
		What:    "another pipeline run is already active",
		Why:     fmt.Sprintf("Process %d holds the run lock for this workspace", pid),
		Fix:     "Wait for it to finish, or check 'auto health' if it looks stuck",
		DocsURL: "https://github.com/randalmurphal/auto#concurrency",
	}
}

// ErrAgentUnavailable returns an error when the agent CLI is not accessible.
func ErrAgentUnavailable(command string) *AutoError {
	return &AutoError{
		Code:    CodeAgentUnavailable,
		What:    fmt.Sprintf("agent command '%s' is not available", command),
		Why:     "Could not find or execute the agent binary",
		Fix:     "Install the agent CLI or set agent.command in .auto/config.yaml",
		DocsURL: "https://github.com/randalmurphal/auto#requirements",
	}
}

// ErrDispatchFailed returns an error when an agent subprocess fails.
func ErrDispatchFailed(agent, reason string) *AutoError {
	return &AutoError{
		Code: CodeDispatchFailed,
		What: fmt.Sprintf("agent dispatch '%s' failed", agent),
		Why:  reason,
		Fix:  "Check the agent output in the event log, then resume with 'auto resume'",
	}
}

// ErrDispatchTimeout returns an error when an agent dispatch times out.
func ErrDispatchTimeout(agent string, duration string) *AutoError {
	return &AutoError{
		Code:    CodeDispatchTimeout,
		What:    fmt.Sprintf("agent dispatch '%s' timed out", agent),
		Why:     fmt.Sprintf("No completion after %s", duration),
		Fix:     "Increase the timeout in config, or resume with 'auto resume'",
		DocsURL: "https://github.com/randalmurphal/auto#timeouts",
	}
}

// ErrSchemaInvalid returns an error when agent output fails schema validation.
func ErrSchemaInvalid(agent, reason string) *AutoError {
	return &AutoError{
		Code: CodeSchemaInvalid,
		What: fmt.Sprintf("agent '%s' returned output that failed schema validation", agent),
		Why:  reason,
		Fix:  "The agent reply did not match the declared contract; retry usually recovers",
	}
}

// ErrPromptTooLong returns an error when a prompt cannot fit its token ceiling.
func ErrPromptTooLong(phase string, tokens, ceiling int) *AutoError {
	return &AutoError{
		Code: CodePromptTooLong,
		What: fmt.Sprintf("prompt for %s exceeds its token ceiling", phase),
		Why:  fmt.Sprintf("Required sections alone need %d tokens, ceiling is %d", tokens, ceiling),
		Fix:  "Reduce the concept size or raise the phase budget in config",
	}
}

// ErrGateFailed returns an error when a pipeline gate cannot be passed.
func ErrGateFailed(gate, reason string) *AutoError {
	return &AutoError{
		Code: CodeGateFailed,
		What: fmt.Sprintf("gate '%s' failed", gate),
		Why:  reason,
		Fix:  "Review the run with 'auto status', amend inputs with 'auto amend', then resume",
	}
}

// ErrStoreFailed returns an error for decision-store failures.
func ErrStoreFailed(op string, cause error) *AutoError {
	return &AutoError{
		Code:  CodeStoreFailed,
		What:  fmt.Sprintf("decision store operation '%s' failed", op),
		Why:   "The embedded store rejected the operation",
		Fix:   "Check .auto/auto.db permissions and disk space",
		Cause: cause,
	}
}

// IsCode reports whether err is an AutoError carrying the given code.
func IsCode(err error, code Code) bool {
	if ae := AsAutoError(err); ae != nil {
		return ae.Code == code
	}
	return false
}

// AsAutoError attempts to convert an error to an AutoError.
// Returns nil if the error is not an AutoError.
func AsAutoError(err error) *AutoError {
	var autoErr *AutoError
	if As(err, &autoErr) {
		return autoErr
	}
	return nil
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return asError(err, target)
}

// asError implements errors.As behavior.
func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if autoErr, ok := err.(*AutoError); ok {
		if t, ok := target.(**AutoError); ok {
			*t = autoErr
			return true
		}
	}
	// Check unwrapped error
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into an AutoError with unknown code.
func Wrap(err error, what string) *AutoError {
	return &AutoError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
