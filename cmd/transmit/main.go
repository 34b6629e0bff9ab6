// Command transmit is the remote helper binary: a small,
// architecture-specific program installed on the remote host that reads
// the target image directly and answers "hash" and "dump" requests over
// stdout. It has no dependency on the local store, the SQL engine, or
// SSH — it only needs to open a file or block device and write bytes.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bsync-project/bsync/remotehelper"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: transmit <image_path> <block_size> <op> <args...>")
	}
	imagePath, blockSizeArg, op := args[0], args[1], args[2]
	rest := args[3:]

	blockSize, err := strconv.ParseInt(blockSizeArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid block_size %q: %w", blockSizeArg, err)
	}

	img, err := os.OpenFile(imagePath, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", imagePath, err)
	}
	defer img.Close()

	out := bufio.NewWriterSize(os.Stdout, 1<<20)
	defer out.Flush()

	switch op {
	case "hash":
		return runHash(img, blockSize, rest, out)
	case "dump":
		return runDump(img, blockSize, rest, out)
	default:
		return fmt.Errorf("unknown op %q", op)
	}
}

func runHash(img *os.File, blockSize int64, args []string, out *bufio.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: transmit <image> <block_size> hash <initial_offset> <count>")
	}
	initialOffset, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid initial_offset %q: %w", args[0], err)
	}
	count, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid count %q: %w", args[1], err)
	}

	data, err := remotehelper.HashRange(img, blockSize, initialOffset, count)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func runDump(img *os.File, blockSize int64, args []string, out *bufio.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: transmit <image> <block_size> dump <csv-of-offsets>")
	}
	parts := strings.Split(args[0], ",")
	offsets := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		off, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid offset %q: %w", p, err)
		}
		offsets = append(offsets, off)
	}
	return remotehelper.DumpBlocks(img, blockSize, offsets, out)
}
