//go:build windows

package main

import (
	"os"
	"os/exec"
)

func prepareChild(*exec.Cmd) {}

// terminateChild kills outright; console processes cannot be sent SIGTERM.
func terminateChild(p *os.Process) error {
	return p.Kill()
}

func killChild(p *os.Process) error {
	return p.Kill()
}
