// Package logx wraps zerolog for runrelay.
//
// Logger values are cheap to copy and carry fields added with With. A
// Service owns the sinks: a console writer (coloured only on a terminal), an
// optional rotated JSON file, and an optional chat channel that receives
// records at or above a minimum level, rate limited. Apply swaps the sinks
// while loggers handed out earlier keep working.
package logx
