package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"

	"github.com/valyala/bytebufferpool"

	"github.com/briarworks/offloadpool/pkg/types"
)

// maxFrameBytes guards against a corrupted length prefix turning into an
// unbounded allocation.
const maxFrameBytes = 64 << 20 // 64 MiB

func init() {
	// Submission.Args and ResultFrame.Payload are []any / any; gob requires
	// every concrete type that can appear behind an interface to be
	// registered. These cover the common scalar and collection shapes the
	// demo callables (and most user callables) pass around; a caller using
	// a custom struct as an argument or return value must gob.Register it
	// itself, the same ergonomics any gob-based RPC requires.
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(string(""))
	gob.Register(bool(false))
	gob.Register([]any(nil))
	gob.Register(map[string]any(nil))
	gob.Register(types.UpdateStateValuePayload{})
	gob.Register(types.CancelPayload{})
	gob.Register(slog.Level(0))
}

// VerifyEncodable reports whether v can be gob-encoded, without writing
// anywhere. Pool.Submit calls this eagerly so a non-serializable argument is
// rejected with Transport synchronously, instead of only being discovered
// later on the worker pipe and mislabeled as a crashed worker.
func VerifyEncodable(v any) error {
	return WriteFrame(io.Discard, v)
}

// WriteFrame gob-encodes v and writes it to w as a 4-byte big-endian length
// prefix followed by the encoded bytes. The scratch buffer is pooled via
// bytebufferpool to keep per-frame allocation off the hot path of a busy
// worker pool.
func WriteFrame[T any](w io.Writer, v T) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	enc := gob.NewEncoder(buf)
	if err := enc.Encode(v); err != nil {
		return &types.WorkError{Kind: types.Transport, Message: fmt.Sprintf("encode frame: %v", err)}
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.B)
	return err
}

// ReadFrame reads one length-prefixed gob frame from r and decodes it into
// T. Returns io.EOF (or io.ErrUnexpectedEOF) unmodified so callers can
// distinguish a clean pipe close from a real decode failure.
func ReadFrame[T any](r io.Reader) (T, error) {
	var zero T

	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return zero, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameBytes {
		return zero, fmt.Errorf("offloadpool: frame of %d bytes exceeds limit", n)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.Reset()
	if cap(buf.B) < int(n) {
		buf.B = make([]byte, n)
	} else {
		buf.B = buf.B[:n]
	}
	if _, err := io.ReadFull(r, buf.B); err != nil {
		return zero, err
	}

	var v T
	dec := gob.NewDecoder(bytes.NewReader(buf.B))
	if err := dec.Decode(&v); err != nil {
		return zero, &types.WorkError{Kind: types.Transport, Message: fmt.Sprintf("decode frame: %v", err)}
	}
	return v, nil
}
