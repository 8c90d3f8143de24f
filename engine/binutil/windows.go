//go:build windows
// +build windows

package binutil

import "github.com/xiaonanln/netsync/engine/nslog"

type nopRelease int

func (_ nopRelease) Release() error {
	return nil
}

// Daemonize does nothing on windows
func Daemonize() nopRelease {
	nslog.Warnf("can not run in daemon mode in windows, -d ignored")
	return nopRelease(0)
}
