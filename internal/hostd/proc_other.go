//go:build !unix

package hostd

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

func signalNumber(*exec.ExitError) int { return 0 }
