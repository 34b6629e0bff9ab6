package nbdserve

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/blockstore"
	"github.com/bsync-project/bsync/redolog"
)

// cacheSize is the fixed per-connection LRU capacity.
const cacheSize = 100

// BlockSource is the read path a connection worker pulls decompressed
// block content from: a materialized snapshot's block_id -> hash
// mapping joined with the CAS, falling back to an all-zero block for
// unmapped block_ids. It is shared read-only across every connection,
// so it carries no mutable state of its own.
type BlockSource struct {
	Snapshot *redolog.Snapshot
	Blocks   *blockstore.Store
}

func (b *BlockSource) readBlock(blockID uint64) ([]byte, error) {
	hash, ok, err := b.Snapshot.ReadBlockHash(blockID)
	if err != nil {
		return nil, fmt.Errorf("nbdserve: read block hash %d: %w", blockID, err)
	}
	if !ok || hash == blockhash.ZeroHash {
		return blockhash.PadToSize(nil), nil
	}
	return b.Blocks.Get(hash)
}

// Server listens for NBD connections and serves a single fixed export
// — the image at one consistent point — backed by src. Each accepted
// connection runs on its own goroutine with its own LRU cache, to avoid
// cross-goroutine locking on the hot read path; src itself is immutable
// once constructed and is shared freely.
type Server struct {
	src  *BlockSource
	size uint64
	log  *zap.SugaredLogger
}

// New builds a Server exporting an image of size bytes read through
// src.
func New(src *BlockSource, size uint64, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{src: src, size: size, log: log}
}

// Listen opens listenAddr — "host:port" for TCP, or "unix:/path" for a
// Unix-domain socket (stale socket files at that path are removed
// first) — and returns the net.Listener ready for Serve.
func Listen(listenAddr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(listenAddr, "unix:"); ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("nbdserve: remove stale socket %s: %w", path, err)
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, fmt.Errorf("nbdserve: listen unix %s: %w", path, err)
		}
		return ln, nil
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("nbdserve: listen tcp %s: %w", listenAddr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until it is closed, handling each on
// its own goroutine. It returns nil when ln is closed (the expected
// shutdown path for the serve command).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("nbdserve: accept: %w", err)
		}
		go s.handle(conn)
	}
}

// handle runs one connection's Handshaking -> Transmitting -> Closed
// state machine. Errors in either phase are logged and the connection
// is dropped without affecting others.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()

	if err := handshake(conn, s.size); err != nil {
		if errors.Is(err, ErrDisconnect) {
			s.log.Debugw("nbd client aborted during handshake", "addr", addr)
			return
		}
		s.log.Warnw("nbd handshake failed", "addr", addr, "error", err)
		return
	}

	cache, err := lru.New[uint64, []byte](cacheSize)
	if err != nil {
		s.log.Errorw("nbd failed to build connection cache", "addr", addr, "error", err)
		return
	}

	if err := s.transmit(conn, cache); err != nil && !errors.Is(err, ErrDisconnect) {
		s.log.Warnw("nbd transmission error", "addr", addr, "error", err)
	}
}

// transmit runs the per-request read/flush/write loop, backed by cache
// for repeated block_id lookups.
func (s *Server) transmit(conn net.Conn, cache *lru.Cache[uint64, []byte]) error {
	for {
		req, err := readRequest(conn)
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}

		switch req.Type {
		case nbdCmdDisc:
			return ErrDisconnect

		case nbdCmdFlush:
			if err := writeSimpleReply(conn, req.Handle, nbdErrNone, nil); err != nil {
				return fmt.Errorf("write flush reply: %w", err)
			}

		case nbdCmdRead:
			data, rerr := s.readRange(cache, req.Offset, req.Length)
			if rerr != nil {
				s.log.Warnw("nbd read failed", "offset", req.Offset, "length", req.Length, "error", rerr)
				if err := writeSimpleReply(conn, req.Handle, nbdErrIO, nil); err != nil {
					return fmt.Errorf("write read-error reply: %w", err)
				}
				continue
			}
			if err := writeSimpleReply(conn, req.Handle, nbdErrNone, data); err != nil {
				return fmt.Errorf("write read reply: %w", err)
			}

		case nbdCmdWrite, nbdCmdTrim:
			// Export is read-only: writes/trims always fail, and for
			// writes the payload must still be drained off the wire
			// before the next request header.
			if req.Type == nbdCmdWrite {
				if _, err := drain(conn, int64(req.Length)); err != nil {
					return fmt.Errorf("drain write payload: %w", err)
				}
			}
			if err := writeSimpleReply(conn, req.Handle, nbdErrIO, nil); err != nil {
				return fmt.Errorf("write read-only-rejection reply: %w", err)
			}

		default:
			if err := writeSimpleReply(conn, req.Handle, nbdErrIO, nil); err != nil {
				return fmt.Errorf("write unknown-command reply: %w", err)
			}
		}
	}
}

// readRange splits [pos, pos+len) into block-aligned pieces, fetching
// each through cache (falling back to the snapshot/CAS on miss), and
// concatenates the requested slice.
func (s *Server) readRange(cache *lru.Cache[uint64, []byte], pos uint64, length uint32) ([]byte, error) {
	blockSize := uint64(blockhash.Size)
	out := make([]byte, length)

	startBlock := pos / blockSize
	endBlock := (pos + uint64(length) - 1) / blockSize

	written := 0
	for b := startBlock; b <= endBlock; b++ {
		page, ok := cache.Get(b)
		if !ok {
			var err error
			page, err = s.src.readBlock(b)
			if err != nil {
				return nil, err
			}
			cache.Add(b, page)
		}

		blockStart := b * blockSize
		from := uint64(0)
		if pos > blockStart {
			from = pos - blockStart
		}
		to := blockSize
		if end := pos + uint64(length); end < blockStart+blockSize {
			to = end - blockStart
		}
		n := copy(out[written:], page[from:to])
		written += n
	}
	return out, nil
}

func drain(conn net.Conn, n int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for total < n {
		want := int64(len(buf))
		if remaining := n - total; remaining < want {
			want = remaining
		}
		read, err := conn.Read(buf[:want])
		total += int64(read)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
