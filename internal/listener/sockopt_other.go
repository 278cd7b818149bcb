//go:build !unix

package listener

import "syscall"

func reuseAddrControl(_, _ string, _ syscall.RawConn) error { return nil }
