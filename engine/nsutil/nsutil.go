package nsutil

import "github.com/xiaonanln/netsync/engine/nslog"

// RunPanicless calls a function panic-freely
func RunPanicless(f func()) (paniced bool) {
	defer func() {
		err := recover()
		if err != nil {
			nslog.TraceError("%v panic: %v", f, err)
			paniced = true
		}
	}()

	f()
	return
}

// CatchPanic calls f and returns the recovered value, nil if f returns normally
func CatchPanic(f func()) (err interface{}) {
	defer func() {
		err = recover()
		if err != nil {
			nslog.TraceError("%v panic: %v", f, err)
		}
	}()

	f()
	return
}
