package channel

import (
	"encoding/binary"
	"io"

	"github.com/gorilla/websocket"
)

// writeFrame length-prefixes payload with a 4-byte big-endian count so
// a frame boundary survives any transport that does not itself
// preserve message boundaries (a raw net.Conn, unlike a net.Pipe half
// or a *websocket.Conn adapter, is just a byte stream).
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteFrame exports writeFrame for callers outside this package that
// speak the wire protocol directly, namely cmd/domainctl, which has no
// other reason to depend on Server.
func WriteFrame(w io.Writer, payload []byte) error {
	return writeFrame(w, payload)
}

// ReadFrame exports readFrame for the same reason as WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrame(r)
}

// readFrame reads back one frame written by writeFrame.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WebsocketConn adapts a *websocket.Conn to io.ReadWriteCloser so it
// can be passed to Server.Serve like any other transport, mirroring
// pkg/wsproxy.SerialProxy's treatment of the websocket connection as
// just another reader/writer pair. Each Write sends one binary
// websocket message; each Read returns bytes from at most one message,
// buffering the rest. The conn is wrapped in the same
// writeFrame/readFrame envelope as the stream transports, so one frame
// travels as two messages: the 4-byte length, then the payload.
type WebsocketConn struct {
	Conn *websocket.Conn

	pending []byte
}

// NewWebsocketConn wraps an established websocket connection.
func NewWebsocketConn(conn *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{Conn: conn}
}

// Read satisfies io.Reader by draining one websocket message per call
// into p, buffering any remainder for the next call.
func (w *WebsocketConn) Read(p []byte) (int, error) {
	if len(w.pending) == 0 {
		_, data, err := w.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.pending = data
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

// Write satisfies io.Writer by sending p as one binary websocket
// message.
func (w *WebsocketConn) Write(p []byte) (int, error) {
	if err := w.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying websocket connection.
func (w *WebsocketConn) Close() error {
	return w.Conn.Close()
}
