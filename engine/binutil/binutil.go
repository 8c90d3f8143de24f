// Package binutil holds the process setup shared by the netsync binaries.
package binutil

import (
	"expvar"
	"net/http"
	"net/http/pprof"

	"github.com/xiaonanln/netsync/engine/nslog"
)

// SetupHTTPServer starts the HTTP server for go tool pprof and expvar.
// Nothing is started when addr is empty.
func SetupHTTPServer(addr string) {
	if addr == "" {
		nslog.Infof("pprof server not enabled")
		return
	}

	nslog.Infof("http server listening on %s", addr)
	nslog.Infof("pprof http://%s/debug/pprof/ ... available commands: ", addr)
	nslog.Infof("    go tool pprof http://%s/debug/pprof/heap", addr)
	nslog.Infof("    go tool pprof http://%s/debug/pprof/profile", addr)
	nslog.Infof("session counters at http://%s/debug/vars", addr)

	go func() {
		if err := http.ListenAndServe(addr, NewDebugMux()); err != nil {
			nslog.Errorf("http server on %s stopped: %v", addr, err)
		}
	}()
}

// NewDebugMux routes the pprof and expvar handlers
func NewDebugMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/debug/vars", expvar.Handler())
	return mux
}

// SetupLog names the process in every log line and sets the log level
func SetupLog(source string, logLevel string) {
	nslog.SetSource(source)
	nslog.Infof("Set log level to %s", logLevel)
	nslog.SetLevel(nslog.ParseLevel(logLevel))
}
