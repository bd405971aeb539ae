package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// HandleError runs `do` and recovers a panic. The panic is passed to each handler as an error.
// Handlers may be `func()` or `func(error)`.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r == nil {
			return
		}
		err := panicError(r)
		if !isShutdownError(err) {
			glog.Warningf("Unexpected panic: %s\n", panicJson(r, debug.Stack()))
		}
		for _, handler := range handlers {
			switch v := handler.(type) {
			case func():
				v()
			case func(error):
				v(err)
			}
		}
	}()
	do()
	return
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// a canceled context or a closed connection raised during shutdown is not logged
func isShutdownError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrConnectionClosed) || IsNormalClose(err)
}

// panicJson formats the panic and its stack as one log line
func panicJson(r any, stack []byte) string {
	frames := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			frames = append(frames, line)
		}
	}
	panicJson, _ := json.Marshal(map[string]any{
		"panic": fmt.Sprintf("%v", r),
		"type":  fmt.Sprintf("%T", r),
		"stack": frames,
	})
	return string(panicJson)
}

// TraceWithReturnError logs how long `do` took, at debug level.
func TraceWithReturnError[R any](tag string, do func() (R, error)) (R, error) {
	if !glog.V(LogLevelDebug) {
		return do()
	}
	start := time.Now()
	result, err := do()
	elapsed := time.Since(start).Round(10 * time.Microsecond)
	if err != nil {
		glog.Infof("%s (%s) err = %s\n", tag, elapsed, err)
	} else {
		glog.Infof("%s (%s)\n", tag, elapsed)
	}
	return result, err
}
