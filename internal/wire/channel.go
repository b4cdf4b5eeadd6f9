// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	// maxFrameBody bounds a single frame body.
	// File chunks are produced from a ~100 KiB buffer, so anything in
	// the megabytes indicates a desynchronized or hostile peer.
	maxFrameBody = 8 << 20

	frameHeaderSize = 5

	// sendTimeout bounds a single outbound frame write.
	sendTimeout = 40 * time.Second

	// helloTimeout bounds the version handshake.
	helloTimeout = 10 * time.Second

	// pollTimeout is the read deadline used when the caller asks for a
	// non-blocking poll (timeout <= 0).
	pollTimeout = 100 * time.Millisecond
)

var chunkEncoder = sync.OnceValue(func() *zstd.Encoder {
	e, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
	return e
})

var chunkDecoder = sync.OnceValue(func() *zstd.Decoder {
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("wire: zstd decoder initialization failed: " + err.Error())
	}
	return d
})

// A Channel is an ordered, message-framed, bidirectional byte stream to
// one peer. At most one outbound message is in flight at a time; reads
// may block up to a caller-supplied timeout.
//
// A Channel is safe for use by one sender and one reader concurrently.
// After a Read returns a non-timeout error, or a timeout that struck
// after part of a frame had arrived, frame synchronization may be lost
// and the channel must not be used except to Close it.
type Channel struct {
	conn     net.Conn
	br       *connReader
	name     string
	protocol uint32

	sendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// connReader is a minimal buffered reader over the connection.
// Bytes it has received but not yet handed out survive a read
// deadline. Bytes of a frame that [Channel.Read] had already consumed
// when the deadline struck are not kept.
type connReader struct {
	conn net.Conn
	buf  []byte
	r, w int
}

func (b *connReader) Read(p []byte) (int, error) {
	if b.r == b.w {
		n, err := b.conn.Read(b.buf)
		if err != nil {
			return 0, err
		}
		b.r, b.w = 0, n
	}
	n := copy(p, b.buf[b.r:b.w])
	b.r += n
	return n, nil
}

// Dial connects to host:port and performs the version handshake.
// The timeout bounds connection establishment only.
func Dial(ctx context.Context, host string, port uint16, timeout time.Duration) (*Channel, error) {
	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("dial %s:%d: %w", host, port, err)
	}
	c, err := NewChannel(conn, host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewChannel wraps an established connection and performs the version
// handshake. name is used in diagnostics (usually the remote hostname).
//
// On error the caller retains ownership of conn.
func NewChannel(conn net.Conn, name string) (*Channel, error) {
	c := &Channel{
		conn: conn,
		br:   &connReader{conn: conn, buf: make([]byte, 64*1024)},
		name: name,
	}
	// The hello is written concurrently with reading the peer's:
	// on an unbuffered transport two channels handshaking each other
	// would otherwise both block in the write.
	sent := make(chan error, 1)
	go func() {
		sent <- c.send(&Hello{Protocol: ProtocolVersion})
	}()
	msg, err := c.Read(helloTimeout)
	if err != nil {
		// Abort the in-flight hello write so the sender goroutine
		// cannot outlive the handshake.
		conn.SetWriteDeadline(time.Now())
		<-sent
		return nil, fmt.Errorf("handshake with %s: %w", name, err)
	}
	if err := <-sent; err != nil {
		return nil, fmt.Errorf("handshake with %s: %w", name, err)
	}
	hello, ok := msg.(*Hello)
	if !ok {
		return nil, fmt.Errorf("handshake with %s: got %v, want Hello", name, msg.Tag())
	}
	c.protocol = min(ProtocolVersion, hello.Protocol)
	return c, nil
}

// Name returns the diagnostic name of the peer.
func (c *Channel) Name() string { return c.name }

// Protocol returns the protocol version negotiated with the peer.
func (c *Channel) Protocol() uint32 { return c.protocol }

// Send transmits one message.
// For [FileChunk] messages, Send compresses Data for the wire and sets
// CompressedLen to the on-wire payload size.
func (c *Channel) Send(msg Message) error {
	return c.send(msg)
}

func (c *Channel) send(msg Message) error {
	body, err := encodeBody(msg)
	if err != nil {
		return fmt.Errorf("send %v to %s: %w", msg.Tag(), c.name, err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	hdr := make([]byte, frameHeaderSize)
	hdr[0] = byte(msg.Tag())
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(body)))
	if _, err := c.conn.Write(hdr); err != nil {
		return fmt.Errorf("send %v to %s: %w", msg.Tag(), c.name, err)
	}
	if len(body) > 0 {
		if _, err := c.conn.Write(body); err != nil {
			return fmt.Errorf("send %v to %s: %w", msg.Tag(), c.name, err)
		}
	}
	return nil
}

// Read returns the next message from the peer, waiting up to timeout.
// A timeout <= 0 polls: only a message whose bytes are already (or
// imminently) available is returned.
//
// Timeout errors satisfy [IsTimeout]; any other error means the
// connection is down or the stream is corrupt.
func (c *Channel) Read(timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = pollTimeout
	}
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(c.br, hdr); err != nil {
		return nil, fmt.Errorf("read from %s: %w", c.name, err)
	}
	tag := Tag(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxFrameBody {
		return nil, fmt.Errorf("read from %s: %v frame of %d bytes exceeds limit", c.name, tag, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.br, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read from %s: %v body: %w", c.name, tag, err)
	}
	msg, err := decodeBody(tag, body)
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", c.name, err)
	}
	return msg, nil
}

// Close closes the underlying connection.
// Close may be called multiple times and from any goroutine.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsTimeout reports whether err resulted from a Read or Send exceeding
// its deadline rather than the connection going down.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func encodeBody(msg Message) ([]byte, error) {
	switch msg := msg.(type) {
	case *End:
		return nil, nil
	case *FileChunk:
		body := make([]byte, 4, 4+len(msg.Data)/2)
		binary.BigEndian.PutUint32(body, uint32(len(msg.Data)))
		body = chunkEncoder().EncodeAll(msg.Data, body)
		msg.CompressedLen = len(body) - 4
		return body, nil
	default:
		body, err := cbor.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode %v: %w", msg.Tag(), err)
		}
		return body, nil
	}
}

func decodeBody(tag Tag, body []byte) (Message, error) {
	var msg Message
	switch tag {
	case TagHello:
		msg = new(Hello)
	case TagGetCS:
		msg = new(GetCS)
	case TagUseCS:
		msg = new(UseCS)
	case TagCompileFile:
		msg = new(CompileFile)
	case TagEnd:
		return new(End), nil
	case TagFileChunk:
		if len(body) < 4 {
			return nil, fmt.Errorf("decode FileChunk: truncated body (%d bytes)", len(body))
		}
		uncompressed := binary.BigEndian.Uint32(body)
		if uncompressed > maxFrameBody {
			return nil, fmt.Errorf("decode FileChunk: uncompressed size %d exceeds limit", uncompressed)
		}
		data, err := chunkDecoder().DecodeAll(body[4:], make([]byte, 0, uncompressed))
		if err != nil {
			return nil, fmt.Errorf("decode FileChunk: %w", err)
		}
		if uint32(len(data)) != uncompressed {
			return nil, fmt.Errorf("decode FileChunk: got %d bytes, header says %d", len(data), uncompressed)
		}
		return &FileChunk{Data: data, CompressedLen: len(body) - 4}, nil
	case TagCompileResult:
		msg = new(CompileResult)
	case TagEnvTransfer:
		msg = new(EnvTransfer)
	case TagVerifyEnv:
		msg = new(VerifyEnv)
	case TagVerifyEnvResult:
		msg = new(VerifyEnvResult)
	case TagBlacklistHostEnv:
		msg = new(BlacklistHostEnv)
	case TagJobDone:
		msg = new(JobDone)
	case TagStatusText:
		msg = new(StatusText)
	default:
		return nil, fmt.Errorf("decode message: unknown tag 0x%02x", uint8(tag))
	}
	if err := cbor.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("decode %v: %w", tag, err)
	}
	return msg, nil
}
