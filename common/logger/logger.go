package logger

import (
	glog "github.com/Laisky/go-utils/v6/log"
)

// Logger is the process-wide structured logger. Request handlers should
// prefer the per-request logger from gmw.GetLogger.
var Logger glog.Logger

func init() {
	var err error
	Logger, err = glog.NewConsoleWithName("imaas", glog.LevelInfo)
	if err != nil {
		panic(err)
	}
}

// SetLevel adjusts the global log level at runtime.
func SetLevel(level glog.Level) {
	_ = Logger.ChangeLevel(level)
}
