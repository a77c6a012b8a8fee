// Package recurrence turns schedule strings into Schedules and answers
// "what are the next occurrences after instant X".
//
// Evaluation is pure: a Schedule never touches a clock. Wall-clock rules are
// resolved in the location of the instant passed to Next, so callers pick
// UTC or local interpretation by converting "now" before asking.
package recurrence
