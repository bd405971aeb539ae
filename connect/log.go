package connect

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `connect` package:
// Info (LogLevelUrgent):
//     essential events for abnormal behavior. This level should be silent on normal operation.
//     this includes:
//     - dial and write failures, connection timeouts
//     - undecodable frames
//     - action panics, even if handled and replied to as errors
// LogLevelInfo:
//     connection lifecycle
//     - connect, handshake, close, reconnect scheduling, peer connect/close
// LogLevelDebug:
//     per frame trace, e.g. send, receive, stream item, abort

const LogLevelUrgent = glog.Level(0)
const LogLevelInfo = glog.Level(1)
const LogLevelDebug = glog.Level(2)

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}
