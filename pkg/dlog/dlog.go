// Package dlog decouples the download engine from any one logging library.
//
// NOTE: like its teacher, this interface is not meant to be fast — hot
// paths that log per-chunk should gate calls behind an explicit level
// check rather than relying on this facade to no-op cheaply.
package dlog

import "fmt"

// Interface is implemented by every logging backend the engine supports.
type Interface interface {
	WithField(key string, value interface{}) Interface
	WithError(err error) Interface

	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

func fmtMsg(format string, args []interface{}) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
