//go:build !unix && !windows

package discovery

import "syscall"

func reuseAddrControl(_, _ string, _ syscall.RawConn) error { return nil }

func broadcastControl(_, _ string, _ syscall.RawConn) error { return nil }
