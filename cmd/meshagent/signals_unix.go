//go:build !windows

package main

import (
	"os"
	"syscall"
)

// SIGUSR1 toggles the miner, SIGUSR2 logs out
var controlSignals = []os.Signal{syscall.SIGUSR1, syscall.SIGUSR2}

func controlFor(sig os.Signal) control {
	switch sig {
	case syscall.SIGUSR1:
		return controlToggleMiner
	case syscall.SIGUSR2:
		return controlLogout
	default:
		return controlNone
	}
}
