package executor

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"
)

type streamResult struct {
	Stdout string
	Stderr string
}

// runStreaming tees the command's stdout/stderr to the configured writers
// while keeping a copy for the Result.
func runStreaming(cmd *exec.Cmd) (streamResult, error) {
	var stdoutBuf, stderrBuf bytes.Buffer

	if cmd.Stdout != nil {
		cmd.Stdout = io.MultiWriter(cmd.Stdout, &stdoutBuf)
	} else {
		cmd.Stdout = io.MultiWriter(os.Stdout, &stdoutBuf)
	}
	if cmd.Stderr != nil {
		cmd.Stderr = io.MultiWriter(cmd.Stderr, &stderrBuf)
	} else {
		cmd.Stderr = io.MultiWriter(os.Stderr, &stderrBuf)
	}

	err := cmd.Run()

	return streamResult{
		Stdout: strings.TrimSpace(stdoutBuf.String()),
		Stderr: strings.TrimSpace(stderrBuf.String()),
	}, err
}
