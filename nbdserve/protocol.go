// Package nbdserve implements a read-only NBD (Network Block Device)
// export: a fixed-newstyle handshake offering one default export,
// followed by a simple-reply transmission phase that only ever answers
// NBD_CMD_READ, NBD_CMD_FLUSH and NBD_CMD_DISC — writes and trims
// return an I/O error, matching the export's readonly flag. No
// off-the-shelf Go NBD server library fits this narrow a surface, so
// the wire protocol is hand-rolled here directly against the upstream
// NBD specification, the way transport/helper.go and
// remotehelper/protocol.go hand-roll their own small wire protocols.
package nbdserve

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	nbdMagic       uint64 = 0x4e42444d41474943 // "NBDMAGIC"
	nbdIHaveOpt    uint64 = 0x49484156454f5054 // "IHAVEOPT"
	nbdOptReplyMag uint64 = 0x3e889045565a9

	// Handshake flags (server -> client, 16 bits).
	nbdFlagFixedNewstyle uint16 = 1 << 0
	nbdFlagNoZeroes      uint16 = 1 << 1

	// Option types the client may send during negotiation. (The client's
	// own 32-bit flags are read in handshake; NBD_FLAG_C_NO_ZEROES shares
	// nbdFlagNoZeroes' bit and suppresses the 124-byte export padding.)
	nbdOptExportName uint32 = 1
	nbdOptAbort      uint32 = 2
	nbdOptGo         uint32 = 7

	nbdRepAck        uint32 = 1
	nbdRepInfo       uint32 = 3
	nbdRepErrUnsup   uint32 = 1<<31 + 1
	nbdInfoExport    uint16 = 0

	// Transmission-phase export flags.
	nbdFlagHasFlags uint16 = 1 << 0
	nbdFlagReadOnly uint16 = 1 << 1
	nbdFlagSendFlush uint16 = 1 << 2

	nbdRequestMagic uint32 = 0x25609513
	nbdSimpleReply  uint32 = 0x67446698

	nbdCmdRead  uint16 = 0
	nbdCmdWrite uint16 = 1
	nbdCmdDisc  uint16 = 2
	nbdCmdFlush uint16 = 3
	nbdCmdTrim  uint16 = 4

	nbdErrNone    uint32 = 0
	nbdErrIO      uint32 = 5
	nbdErrNoSpace uint32 = 28
)

// ErrDisconnect is returned from Server.transmit (via the request loop)
// when the client sends NBD_CMD_DISC, and from handshake when the client
// sends NBD_OPT_ABORT; callers treat it as a clean close, not a logged
// error.
var ErrDisconnect = errors.New("nbdserve: client disconnected")

// handshake runs the fixed-newstyle negotiation for a single default
// export of the given size, exiting once the client selects it via
// NBD_OPT_EXPORT_NAME or NBD_OPT_GO. It returns once the transmission
// phase can begin.
func handshake(rw io.ReadWriter, size uint64) error {
	if err := writeAll(rw, u64(nbdMagic), u64(nbdIHaveOpt), u16(nbdFlagFixedNewstyle|nbdFlagNoZeroes)); err != nil {
		return fmt.Errorf("nbdserve: handshake: write server flags: %w", err)
	}

	var clientFlags uint32
	if err := binary.Read(rw, binary.BigEndian, &clientFlags); err != nil {
		return fmt.Errorf("nbdserve: handshake: read client flags: %w", err)
	}

	for {
		var magic uint64
		if err := binary.Read(rw, binary.BigEndian, &magic); err != nil {
			return fmt.Errorf("nbdserve: handshake: read option magic: %w", err)
		}
		if magic != nbdIHaveOpt {
			return fmt.Errorf("nbdserve: handshake: bad option magic %#x", magic)
		}
		var opt uint32
		var length uint32
		if err := binary.Read(rw, binary.BigEndian, &opt); err != nil {
			return fmt.Errorf("nbdserve: handshake: read option: %w", err)
		}
		if err := binary.Read(rw, binary.BigEndian, &length); err != nil {
			return fmt.Errorf("nbdserve: handshake: read option length: %w", err)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(rw, data); err != nil {
			return fmt.Errorf("nbdserve: handshake: read option data: %w", err)
		}

		switch opt {
		case nbdOptExportName:
			exportFlags := nbdFlagHasFlags | nbdFlagReadOnly | nbdFlagSendFlush
			if err := writeAll(rw, u64(size), u16(exportFlags)); err != nil {
				return fmt.Errorf("nbdserve: handshake: write export info: %w", err)
			}
			if clientFlags&uint32(nbdFlagNoZeroes) == 0 {
				if err := writeAll(rw, make([]byte, 124)); err != nil {
					return fmt.Errorf("nbdserve: handshake: write reserved padding: %w", err)
				}
			}
			return nil

		case nbdOptGo:
			exportFlags := nbdFlagHasFlags | nbdFlagReadOnly | nbdFlagSendFlush
			info := make([]byte, 12)
			binary.BigEndian.PutUint16(info[0:2], nbdInfoExport)
			binary.BigEndian.PutUint64(info[2:10], size)
			binary.BigEndian.PutUint16(info[10:12], exportFlags)
			if err := writeOptReply(rw, opt, nbdRepInfo, info); err != nil {
				return fmt.Errorf("nbdserve: handshake: write NBD_OPT_GO info: %w", err)
			}
			if err := writeOptReply(rw, opt, nbdRepAck, nil); err != nil {
				return fmt.Errorf("nbdserve: handshake: write NBD_OPT_GO ack: %w", err)
			}
			return nil

		case nbdOptAbort:
			writeOptReply(rw, opt, nbdRepAck, nil)
			return ErrDisconnect

		default:
			if err := writeOptReply(rw, opt, nbdRepErrUnsup, nil); err != nil {
				return fmt.Errorf("nbdserve: handshake: write unsupported-option reply: %w", err)
			}
		}
	}
}

func writeOptReply(w io.Writer, opt, replyType uint32, data []byte) error {
	return writeAll(w, u64(nbdOptReplyMag), u32(opt), u32(replyType), u32(uint32(len(data))), data)
}

// request is one parsed NBD transmission-phase command.
type request struct {
	Type   uint16
	Handle uint64
	Offset uint64
	Length uint32
}

func readRequest(r io.Reader) (request, error) {
	var hdr [28]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return request{}, err
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != nbdRequestMagic {
		return request{}, fmt.Errorf("nbdserve: bad request magic %#x", magic)
	}
	return request{
		Type:   binary.BigEndian.Uint16(hdr[6:8]),
		Handle: binary.BigEndian.Uint64(hdr[8:16]),
		Offset: binary.BigEndian.Uint64(hdr[16:24]),
		Length: binary.BigEndian.Uint32(hdr[24:28]),
	}, nil
}

func writeSimpleReply(w io.Writer, handle uint64, errCode uint32, data []byte) error {
	return writeAll(w, u32(nbdSimpleReply), u32(errCode), u64(handle), data)
}

func writeAll(w io.Writer, chunks ...[]byte) error {
	for _, c := range chunks {
		if _, err := w.Write(c); err != nil {
			return err
		}
	}
	return nil
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
