//go:build !windows

package main

import (
	"syscall"
	"testing"
)

func TestControlFor(t *testing.T) {
	tests := []struct {
		sig  syscall.Signal
		want control
	}{
		{syscall.SIGUSR1, controlToggleMiner},
		{syscall.SIGUSR2, controlLogout},
		{syscall.SIGHUP, controlNone},
	}
	for _, tt := range tests {
		t.Run(tt.sig.String(), func(t *testing.T) {
			if got := controlFor(tt.sig); got != tt.want {
				t.Errorf("controlFor(%v) = %v, want %v", tt.sig, got, tt.want)
			}
		})
	}
}
