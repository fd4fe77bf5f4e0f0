package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Process executes one program invocation to completion.
type Process interface {
	Exec(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecProcess executes commands on the local host.
type ExecProcess struct{}

// Exec runs name with args, killing the process when ctx ends.
func (p ExecProcess) Exec(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// adb can leave a forked server holding the pipes open.
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}
