// Package logging sets up the logrus backend that both daemons carry on
// their contexts via dlog.
package logging

import (
	"context"
	"log/syslog"
	"os"

	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"

	"github.com/datawire/dlib/dlog"
)

// InitContext configures the standard logrus logger for the process named
// procName and returns a context that carries it as a dlog.Logger. The level
// is taken from IMDS_LOG_LEVEL when set (default info). These daemons run in
// the foreground under an init system, so output goes to stderr; log
// rotation is the init system's problem.
func InitContext(ctx context.Context, procName string) context.Context {
	logger := logrus.StandardLogger()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	logger.Formatter = &logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.0000",
		FullTimestamp:   true,
	}
	if lv := os.Getenv("IMDS_LOG_LEVEL"); lv != "" {
		if level, err := logrus.ParseLevel(lv); err == nil {
			logger.SetLevel(level)
		} else {
			logger.Warnf("ignoring invalid IMDS_LOG_LEVEL %q", lv)
		}
	}
	return dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
}

// AddSyslogHook attaches a syslog hook tagged with tag to the standard
// logger. The proxy uses this so that its ALLOW/DENY records reach syslog;
// failure to reach the syslog daemon is reported but not fatal.
func AddSyslogHook(ctx context.Context, tag string) {
	hook, err := lsyslog.NewSyslogHook("", "", syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		dlog.Warnf(ctx, "syslog unavailable, logging to stderr only: %v", err)
		return
	}
	logrus.StandardLogger().AddHook(hook)
}
