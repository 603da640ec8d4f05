// Package cognition defines the planning interface agents consult for goals
// and actions, the PlannedAction tagged union, and the JSON wire format that
// language-model and script-backed planners return.
package cognition
