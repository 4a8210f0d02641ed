// Package svcfields holds the log field conventions shared by the CLI
// commands.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every line with the component that wrote it (sys=cli.lock).
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins parts with dots, dropping empty and padded fragments.
func Subsystem(parts ...string) string {
	var b strings.Builder
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

// WithSubsystem returns logger tagged with the joined subsystem path. A nil
// logger becomes a no-op logger.
func WithSubsystem(logger pslog.Logger, parts ...string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	name := Subsystem(parts...)
	if name == "" {
		return logger
	}
	return logger.With(SubsystemKey, name)
}
