// Package log defines the logging interface and typed logging fields.
//
// The zap-backed implementation (NewZap) is the production adapter; NewNop
// keeps logging calls valid in tests and optional dependencies.
package log
