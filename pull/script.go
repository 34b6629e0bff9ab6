package pull

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/bsync-project/bsync/transport"
)

// runScript runs a configured pre/post-pull hook as a local subprocess;
// these wrap any remote coordination themselves, e.g. an SSH call to
// quiesce a database, rather than being run over the pull's own
// RemoteExec. A non-zero exit is reported with captured stderr using
// the same RemoteError shape the transport package uses for remote
// command failures, since both are "a command we shelled out to
// failed" errors.
func runScript(ctx context.Context, path string, env []string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", path)
	cmd.Env = append(cmd.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s", ErrScriptFailed, (&transport.RemoteError{
				Cmd: path, ExitCode: exitErr.ExitCode(), Stderr: stderr.String(),
			}).Error())
		}
		return fmt.Errorf("pull: run script %s: %w", path, err)
	}
	return nil
}
