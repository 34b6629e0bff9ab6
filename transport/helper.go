package transport

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/remotehelper"
)

// Helper drives an installed remote transmit binary over a RemoteExec,
// issuing hash/dump requests. Probing the remote architecture and
// installing the binary are done beforehand by Probe and Install.
type Helper struct {
	exec       RemoteExec
	imagePath  string
	blockSize  int64
	remotePath string
}

// Probe runs `uname -m; uname -s` and returns the normalized
// architecture. It returns ErrUnsupportedOS if the kernel name isn't
// "Linux".
func Probe(ctx context.Context, exec RemoteExec) (remotehelper.Arch, error) {
	sess, err := exec.Start(ctx, "uname -m; uname -s")
	if err != nil {
		return "", fmt.Errorf("transport: probe: %w", err)
	}
	out, err := io.ReadAll(sess.Stdout())
	if err != nil {
		return "", fmt.Errorf("transport: probe: read output: %w", err)
	}
	if err := sess.Wait(); err != nil {
		return "", fmt.Errorf("transport: probe: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		return "", fmt.Errorf("transport: probe: unexpected output %q", string(out))
	}
	machine, kernel := strings.TrimSpace(lines[0]), strings.TrimSpace(lines[1])
	if kernel != "Linux" {
		return "", fmt.Errorf("%w: got %q", ErrUnsupportedOS, kernel)
	}
	arch, err := remotehelper.NormalizeArch(machine)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedArch, err)
	}
	return arch, nil
}

// resolveHome runs `echo $HOME` on the remote and returns the trimmed
// result. Resolving it once, up front, means every later command
// quotes the same literal absolute path instead of some commands
// relying on the shell to expand a bare '~' and others quoting it into
// a literal directory named '~'.
func resolveHome(ctx context.Context, exec RemoteExec) (string, error) {
	sess, err := exec.Start(ctx, "echo $HOME")
	if err != nil {
		return "", fmt.Errorf("transport: resolve home: %w", err)
	}
	out, err := io.ReadAll(sess.Stdout())
	if err != nil {
		return "", fmt.Errorf("transport: resolve home: read output: %w", err)
	}
	if err := sess.Wait(); err != nil {
		return "", fmt.Errorf("transport: resolve home: %w", err)
	}
	home := strings.TrimSpace(string(out))
	if home == "" {
		return "", errors.New("transport: resolve home: empty $HOME")
	}
	return home, nil
}

// Install ensures the transmit helper binary for the remote's
// architecture is present at
// $HOME/.bsync/transmit.<instanceID>.<sha256>, installing it if no
// executable file exists at that path. The path embeds the SHA-256 of
// the embedded binary, so a different helper build is installed under a
// new path; the content of a file already at the path is not re-hashed.
// It returns the remote path to exec.
func Install(ctx context.Context, exec RemoteExec, instanceID string) (string, error) {
	arch, err := Probe(ctx, exec)
	if err != nil {
		return "", err
	}
	binary, err := remotehelper.Binary(arch)
	if err != nil {
		return "", fmt.Errorf("transport: install: %w", err)
	}
	home, err := resolveHome(ctx, exec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(binary)
	hexSum := hex.EncodeToString(sum[:])
	remotePath := fmt.Sprintf("%s/.bsync/transmit.%s.%s", home, instanceID, hexSum)

	// remotePath is now a concrete absolute path, so it's quoted the
	// same way everywhere it's used: here, and in Upload/HashRange/Dump.
	checkCmd := fmt.Sprintf(`test -x %s && echo present`, shellQuote(remotePath))
	sess, err := exec.Start(ctx, checkCmd)
	if err != nil {
		return "", fmt.Errorf("transport: install: check: %w", err)
	}
	out, _ := io.ReadAll(sess.Stdout())
	checkErr := sess.Wait()
	if checkErr == nil && strings.TrimSpace(string(out)) == "present" {
		return remotePath, nil
	}

	uploader, ok := exec.(Uploader)
	if !ok {
		return "", errors.New("transport: install: RemoteExec does not support file upload")
	}

	if err := uploader.Upload(ctx, remotePath, binary, 0o755); err != nil {
		return "", fmt.Errorf("transport: install: %w", err)
	}
	return remotePath, nil
}

// NewHelperClient builds a Helper that talks to the installed helper at
// remotePath for the image at imagePath, using blockSize-byte blocks.
func NewHelperClient(exec RemoteExec, remotePath, imagePath string, blockSize int64) *Helper {
	return &Helper{exec: exec, imagePath: imagePath, blockSize: blockSize, remotePath: remotePath}
}

// ImageSize runs `blockdev --getsize64 <path> || stat -c "%s" <path>`
// on the remote to support both block devices and regular files.
func ImageSize(ctx context.Context, exec RemoteExec, imagePath string) (uint64, error) {
	cmd := fmt.Sprintf(`blockdev --getsize64 %s 2>/dev/null || stat -c "%%s" %s`, shellQuote(imagePath), shellQuote(imagePath))
	sess, err := exec.Start(ctx, cmd)
	if err != nil {
		return 0, fmt.Errorf("transport: image size: %w", err)
	}
	out, err := io.ReadAll(sess.Stdout())
	if err != nil {
		return 0, fmt.Errorf("transport: image size: read: %w", err)
	}
	if err := sess.Wait(); err != nil {
		return 0, fmt.Errorf("transport: image size: %w", err)
	}
	var size uint64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d", &size); err != nil {
		return 0, fmt.Errorf("transport: image size: unparsable output %q: %w", string(out), err)
	}
	return size, nil
}

// HashRange issues `transmit <image> <block_size> hash <initial_offset>
// <count>` and returns the count block hashes in order.
func (h *Helper) HashRange(ctx context.Context, initialOffset uint64, count uint64) ([]blockhash.Hash, error) {
	cmd := fmt.Sprintf("%s %s %d hash %d %d", shellQuote(h.remotePath), shellQuote(h.imagePath), h.blockSize, initialOffset, count)
	sess, err := h.exec.Start(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("transport: hash range: %w", err)
	}
	raw, err := io.ReadAll(sess.Stdout())
	if err != nil {
		return nil, fmt.Errorf("transport: hash range: read: %w", err)
	}
	if err := sess.Wait(); err != nil {
		return nil, err
	}
	want := int(count) * blockhash.HashLen
	if len(raw) != want {
		return nil, fmt.Errorf("transport: hash range: got %d bytes, want %d", len(raw), want)
	}
	out := make([]blockhash.Hash, count)
	for i := range out {
		out[i] = blockhash.FromBytes(raw[i*blockhash.HashLen : (i+1)*blockhash.HashLen])
	}
	return out, nil
}

// ErrByteCountMismatch is returned by Dump when the remote streamed a
// different number of bytes than expected.
var ErrByteCountMismatch = errors.New("transport: dump: byte count mismatch")

// Dump issues `transmit <image> <block_size> dump <csv-of-offsets>` and
// returns the decoded (un-Snappy-framed) concatenation of blocks, which
// must be exactly len(offsets)*blockSize bytes.
func (h *Helper) Dump(ctx context.Context, offsets []uint64) ([]byte, error) {
	strs := make([]string, len(offsets))
	for i, o := range offsets {
		strs[i] = fmt.Sprintf("%d", o)
	}
	cmd := fmt.Sprintf("%s %s %d dump %s", shellQuote(h.remotePath), shellQuote(h.imagePath), h.blockSize, strings.Join(strs, ","))

	sess, err := h.exec.Start(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("transport: dump: %w", err)
	}
	sr := snappy.NewReader(bufio.NewReaderSize(sess.Stdout(), 1<<20))
	data, err := io.ReadAll(sr)
	if err != nil {
		return nil, fmt.Errorf("transport: dump: decode snappy stream: %w", err)
	}
	if err := sess.Wait(); err != nil {
		return nil, err
	}
	want := len(offsets) * int(h.blockSize)
	if len(data) != want {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrByteCountMismatch, len(data), want)
	}
	return data, nil
}
