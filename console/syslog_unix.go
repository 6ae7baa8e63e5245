// +build !windows,!plan9,!nacl

package console

import (
	"log"
	"log/syslog"
)

// Priority mirrors log/syslog.Priority, re-exported so callers outside
// this file don't need a platform-specific import.
type Priority = syslog.Priority

// DefaultPriority is facility LOG_DAEMON at severity LOG_INFO, a
// reasonable default for a long-running node process.
const DefaultPriority = Priority(syslog.LOG_DAEMON | syslog.LOG_INFO)

// NewSyslogWriter creates a log.Logger whose output goes to the system
// log service at the given priority, for use as a fallback sink when
// no terminal is attached (e.g. running as a daemon). Returns an error
// if syslog is unavailable on this platform.
func NewSyslogWriter(p Priority, logFlag int) (*log.Logger, error) {
	return syslog.NewLogger(p, logFlag)
}
