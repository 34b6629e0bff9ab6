package transport

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strings"
)

// Uploader is implemented by RemoteExec backends that can place a file
// on the remote host, needed only for helper installation.
// Not every RemoteExec needs it (a FakeExec used purely to drive the
// hash/dump protocol in unit tests has nothing to install), so it's kept
// as a separate, optionally-implemented interface rather than bloating
// the core capability.
type Uploader interface {
	Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error
}

// Upload writes data to remotePath on the SSH target via `cat`, then
// marks it executable. SFTP would be the natural fit for a file upload,
// but pulling in a whole SFTP client for one small binary push is more
// than this step needs; a single piped `cat` command, fed over stdin,
// is the smallest plumbing that satisfies the protocol (cf. the
// one-shot request/response sessions SSHExec.Start already uses for
// hash/dump).
func (s *SSHExec) Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("transport: upload %s: new session: %w", remotePath, err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	session.Stderr = &stderr

	dir := path.Dir(remotePath)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s", shellQuote(dir), shellQuote(remotePath), mode, shellQuote(remotePath))
	if err := session.Run(cmd); err != nil {
		return &RemoteError{Cmd: cmd, Stderr: stderr.String()}
	}
	return nil
}

// Upload for LocalExec just writes the file directly; used when the
// "remote" is actually the local machine (tests, single-box setups).
func (LocalExec) Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(path.Dir(remotePath), 0o755); err != nil {
		return fmt.Errorf("transport: upload %s: mkdir: %w", remotePath, err)
	}
	if err := os.WriteFile(remotePath, data, mode); err != nil {
		return fmt.Errorf("transport: upload %s: %w", remotePath, err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
