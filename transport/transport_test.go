package transport

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/remotehelper"
)

func TestProbeLinuxAMD64(t *testing.T) {
	fake := FakeExec{Handler: func(cmd string) ([]byte, error) {
		require.Equal(t, "uname -m; uname -s", cmd)
		return []byte("x86_64\nLinux\n"), nil
	}}
	arch, err := Probe(context.Background(), fake)
	require.NoError(t, err)
	require.Equal(t, remotehelper.ArchAMD64, arch)
}

func TestProbeRejectsNonLinux(t *testing.T) {
	fake := FakeExec{Handler: func(cmd string) ([]byte, error) {
		return []byte("x86_64\nDarwin\n"), nil
	}}
	_, err := Probe(context.Background(), fake)
	require.ErrorIs(t, err, ErrUnsupportedOS)
}

func TestProbeRejectsUnknownArch(t *testing.T) {
	fake := FakeExec{Handler: func(cmd string) ([]byte, error) {
		return []byte("sparc64\nLinux\n"), nil
	}}
	_, err := Probe(context.Background(), fake)
	require.ErrorIs(t, err, ErrUnsupportedArch)
}

// memExec layers Upload on top of FakeExec for Install tests, tracking
// uploaded files in memory.
type memExec struct {
	FakeExec
	files map[string][]byte
}

func newMemExec(handler func(cmd string) ([]byte, error)) *memExec {
	m := &memExec{files: map[string][]byte{}}
	m.Handler = handler
	return m
}

func (m *memExec) Upload(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	m.files[remotePath] = data
	return nil
}

func TestInstallUploadsOnceThenSkips(t *testing.T) {
	checks := 0
	m := newMemExec(func(cmd string) ([]byte, error) {
		switch {
		case strings.HasPrefix(cmd, "uname"):
			return []byte("x86_64\nLinux\n"), nil
		case cmd == "echo $HOME":
			return []byte("/home/bsync\n"), nil
		case strings.HasPrefix(cmd, "test -x"):
			checks++
			if len(m.files) > 0 {
				return []byte("present\n"), nil
			}
			return nil, &RemoteError{Cmd: cmd, ExitCode: 1}
		default:
			t.Fatalf("unexpected command: %s", cmd)
			return nil, nil
		}
	})

	path1, err := Install(context.Background(), m, "inst-1")
	require.NoError(t, err)
	require.Len(t, m.files, 1)
	require.Contains(t, path1, "inst-1")

	path2, err := Install(context.Background(), m, "inst-1")
	require.NoError(t, err)
	require.Equal(t, path1, path2)
	require.Len(t, m.files, 1, "second install must not re-upload")
	require.Equal(t, 2, checks)
}

func TestHashRangeParsesWireFormat(t *testing.T) {
	hA := blockhash.Sum(blockhash.PadToSize([]byte("A")))
	hB := blockhash.Sum(blockhash.PadToSize([]byte("B")))
	wire := append(append([]byte{}, hA[:]...), hB[:]...)

	fake := FakeExec{Handler: func(cmd string) ([]byte, error) {
		require.True(t, strings.Contains(cmd, "hash 0 2"))
		return wire, nil
	}}
	h := NewHelperClient(fake, "/opt/helper", "/dev/sda", blockhash.Size)
	got, err := h.HashRange(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Equal(t, []blockhash.Hash{hA, hB}, got)
}

func TestHashRangeByteCountMismatch(t *testing.T) {
	fake := FakeExec{Handler: func(cmd string) ([]byte, error) {
		return []byte("short"), nil
	}}
	h := NewHelperClient(fake, "/opt/helper", "/dev/sda", blockhash.Size)
	_, err := h.HashRange(context.Background(), 0, 2)
	require.Error(t, err)
}

func TestDumpDecodesSnappyAndChecksLength(t *testing.T) {
	block := bytes.Repeat([]byte{0x42}, blockhash.Size)
	var framed bytes.Buffer
	sw := snappy.NewBufferedWriter(&framed)
	_, err := sw.Write(block)
	require.NoError(t, err)
	require.NoError(t, sw.Close())

	fake := FakeExec{Handler: func(cmd string) ([]byte, error) {
		require.True(t, strings.Contains(cmd, "dump 0"))
		return framed.Bytes(), nil
	}}
	h := NewHelperClient(fake, "/opt/helper", "/dev/sda", blockhash.Size)
	data, err := h.Dump(context.Background(), []uint64{0})
	require.NoError(t, err)
	require.Equal(t, block, data)
}

func TestDumpByteCountMismatch(t *testing.T) {
	var framed bytes.Buffer
	sw := snappy.NewBufferedWriter(&framed)
	_, _ = sw.Write([]byte("too short"))
	require.NoError(t, sw.Close())

	fake := FakeExec{Handler: func(cmd string) ([]byte, error) {
		return framed.Bytes(), nil
	}}
	h := NewHelperClient(fake, "/opt/helper", "/dev/sda", blockhash.Size)
	_, err := h.Dump(context.Background(), []uint64{0})
	require.ErrorIs(t, err, ErrByteCountMismatch)
}
