// Package osexec wraps host command execution behind an interface so that
// packages touching block devices and LVM state can be tested with a fake
// executor.
package osexec

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Executor runs commands on the host.
type Executor interface {
	ExecuteCommand(ctx context.Context, command string, args ...string) error
	ExecuteCommandWithOutput(ctx context.Context, command string, args ...string) (string, error)
}

// CommandExecutor is the host-backed Executor.
type CommandExecutor struct{}

func (CommandExecutor) ExecuteCommand(ctx context.Context, command string, args ...string) error {
	logrus.Debugf("executing: %s %s", command, strings.Join(args, " "))

	output, err := exec.CommandContext(ctx, command, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", command, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (CommandExecutor) ExecuteCommandWithOutput(ctx context.Context, command string, args ...string) (string, error) {
	logrus.Debugf("executing: %s %s", command, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, command, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s failed: %w: %s", command, err, strings.TrimSpace(stderr.String()))
	}
	return string(output), nil
}
