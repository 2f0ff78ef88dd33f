// Package action derives candidate drafting actions from a session context
// snapshot and executes them.
//
// # Purity
//
// The Agent never sees a session, only a context snapshot. Handlers return
// a Result whose UpdatedContext is a key-level delta; the gateway merges it
// into the session (or replaces the context wholesale when Replace is set,
// which only reset_workspace does). This keeps every handler a plain
// function from (params, context) to Result and independently testable.
//
// # Context keys
//
// The agent reads five context keys, all optional:
//
//   - mode: current drafting mode (select, draw, annotate, measure)
//   - elements: list of element objects with id, type, and layer fields
//   - selection: list of selected element ids
//   - annotations: list of notes attached to elements
//   - statistics: render statistics, at minimum an fps measurement
//
// Which keys are present gates which actions AvailableActions advertises.
// Execute does not re-check the gates; handlers validate their own inputs
// and return a failure result when the context cannot support them. An
// unknown action name is also a failure result, never an error.
package action
