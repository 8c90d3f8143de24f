//go:build !windows
// +build !windows

package binutil

import (
	"os"

	"github.com/sevlyar/go-daemon"
	"github.com/xiaonanln/netsync/engine/nslog"
)

// Daemonize reruns the process in background and exits the parent.
// The child gets the context to release when it quits.
func Daemonize() *daemon.Context {
	context := new(daemon.Context)
	child, err := context.Reborn()

	if err != nil {
		nslog.Panicf("daemonize failed: %v", err)
	}

	if child != nil {
		nslog.Infof("run in daemon mode")
		os.Exit(0)
		return nil
	}
	return context
}
