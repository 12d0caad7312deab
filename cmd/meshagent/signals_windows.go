//go:build windows

package main

import "os"

var controlSignals []os.Signal

func controlFor(os.Signal) control {
	return controlNone
}
