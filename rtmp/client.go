package rtmp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

const (
	dialTimeout   = 10 * time.Second
	flushDeadline = 5 * time.Millisecond
	pollDeadline  = time.Millisecond
)

// Config addresses the publish target and describes the stream for the
// onMetaData message.
type Config struct {
	// URL is rtmp://host[:port]/app/stream_key.
	URL string

	Width  int
	Height int
	FPS    int

	AudioEnabled    bool
	AudioSampleRate int
	AudioChannels   int

	// MaxFrameBacklog is the queued-frame count above which the
	// publisher fast-forwards to the next keyframe.
	MaxFrameBacklog int
	// MaxWriteBuffer is the pending-byte count above which encoding
	// input is paused.
	MaxWriteBuffer int
}

const (
	defaultMaxBacklog     = 5
	defaultMaxWriteBuffer = 100 << 20
	minWriteBuffer        = 10 << 20
)

func (c *Config) applyDefaults() {
	if c.MaxFrameBacklog <= 0 {
		c.MaxFrameBacklog = defaultMaxBacklog
	}
	if c.MaxWriteBuffer <= 0 {
		c.MaxWriteBuffer = defaultMaxWriteBuffer
	}
	if c.MaxWriteBuffer < minWriteBuffer {
		c.MaxWriteBuffer = minWriteBuffer
	}
}

// parseURL splits rtmp://host[:port]/app/stream_key.
func parseURL(url string) (addr, app, key string, err error) {
	rest, ok := strings.CutPrefix(url, "rtmp://")
	if !ok {
		return "", "", "", fmt.Errorf("rtmp: url %q must start with rtmp://", url)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("rtmp: url %q must be rtmp://host/app/stream_key", url)
	}
	addr = parts[0]
	if !strings.Contains(addr, ":") {
		addr += ":1935"
	}
	return addr, parts[1], parts[2], nil
}

// Client is one established publish connection. Media sends append to a
// write buffer that Service drains opportunistically, so a congested
// server never blocks the caller.
type Client struct {
	cfg  Config
	log  *slog.Logger
	conn net.Conn

	cw      *chunkWriter
	cr      *chunkReader
	pending []byte

	streamID uint32
	txID     float64

	windowAck uint32
	bytesIn   uint32
	lastAck   uint32
}

// Dial connects, handshakes, and walks the connect → createStream →
// publish → metadata ladder. The returned client is ready for media.
func Dial(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	addr, app, key, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("rtmp: connect %s: %w", addr, err)
	}

	c := &Client{
		cfg:       cfg,
		log:       logger.With("component", "rtmp-client"),
		conn:      conn,
		cw:        newChunkWriter(),
		cr:        newChunkReader(conn),
		windowAck: 2500000,
	}

	if err := c.establish(addr, app, key); err != nil {
		conn.Close()
		return nil, err
	}
	c.log.Info("publishing", "addr", addr, "app", app)
	return c, nil
}

func (c *Client) establish(addr, app, key string) error {
	if err := handshake(c.conn); err != nil {
		return fmt.Errorf("rtmp: handshake: %w", err)
	}

	// Announce our chunk size before anything that might exceed 128
	// bytes.
	c.queue(csidControl, message{
		typeID:  msgSetChunkSize,
		payload: []byte{outChunkSize >> 24, outChunkSize >> 16 & 0xFF, outChunkSize >> 8 & 0xFF, outChunkSize & 0xFF},
	})
	c.cw.chunkSize = outChunkSize

	tcURL := "rtmp://" + addr + "/" + app
	c.queue(csidCommand, message{
		typeID: msgCommandAMF0,
		payload: encodeCommand("connect", c.nextTx(), []amf0Prop{
			{"app", app},
			{"type", "nonprivate"},
			{"flashVer", "FMLE/3.0 (compatible; loupe)"},
			{"tcUrl", tcURL},
		}),
	})
	if err := c.flushAll(); err != nil {
		return err
	}
	if _, err := c.awaitCommand("_result"); err != nil {
		return fmt.Errorf("rtmp: connect: %w", err)
	}

	c.queue(csidCommand, message{
		typeID:  msgCommandAMF0,
		payload: encodeCommand("createStream", c.nextTx(), nil),
	})
	if err := c.flushAll(); err != nil {
		return err
	}
	args, err := c.awaitCommand("_result")
	if err != nil {
		return fmt.Errorf("rtmp: createStream: %w", err)
	}
	if len(args) < 2 {
		return errors.New("rtmp: createStream result missing stream id")
	}
	id, ok := args[1].(float64)
	if !ok {
		return fmt.Errorf("rtmp: createStream stream id is %T", args[1])
	}
	c.streamID = uint32(id)

	c.queue(csidCommand, message{
		typeID:   msgCommandAMF0,
		streamID: c.streamID,
		payload:  encodeCommand("publish", c.nextTx(), nil, key, "live"),
	})
	if err := c.flushAll(); err != nil {
		return err
	}
	if err := c.awaitPublishStart(); err != nil {
		return fmt.Errorf("rtmp: publish: %w", err)
	}

	meta := amf0EncodeValue(nil, "@setDataFrame")
	meta = amf0EncodeValue(meta, "onMetaData")
	props := []amf0Prop{
		{"width", float64(c.cfg.Width)},
		{"height", float64(c.cfg.Height)},
		{"framerate", float64(c.cfg.FPS)},
		{"videocodecid", 7.0},
	}
	if c.cfg.AudioEnabled {
		props = append(props,
			amf0Prop{"audiocodecid", 10.0},
			amf0Prop{"audiosamplerate", float64(c.cfg.AudioSampleRate)},
			amf0Prop{"stereo", c.cfg.AudioChannels > 1},
		)
	}
	meta = amf0EncodeECMA(meta, props)
	c.queue(csidCommand, message{
		typeID:   msgDataAMF0,
		streamID: c.streamID,
		payload:  meta,
	})
	return c.flushAll()
}

func (c *Client) nextTx() float64 {
	c.txID++
	return c.txID
}

func (c *Client) queue(csid uint8, m message) {
	c.pending = c.cw.encode(c.pending, csid, m)
}

// flushAll writes the whole pending buffer, blocking. Used only during
// session establishment.
func (c *Client) flushAll() error {
	c.conn.SetWriteDeadline(time.Time{})
	for len(c.pending) > 0 {
		n, err := c.conn.Write(c.pending)
		c.pending = c.pending[n:]
		if err != nil {
			return fmt.Errorf("rtmp: write: %w", err)
		}
	}
	return nil
}

// awaitCommand reads messages until a command with the given name
// arrives, handling protocol control along the way.
func (c *Client) awaitCommand(name string) ([]any, error) {
	c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		m, err := c.cr.next()
		if err != nil {
			return nil, err
		}
		c.accountIncoming(len(m.payload))

		if c.handleControl(m) {
			continue
		}
		if m.typeID != msgCommandAMF0 {
			continue
		}

		got, _, args, err := decodeCommand(m.payload)
		if err != nil {
			c.log.Warn("undecodable command", "error", err)
			continue
		}
		switch got {
		case name:
			return args, nil
		case "_error":
			return nil, fmt.Errorf("server returned _error: %v", args)
		default:
			c.log.Debug("ignoring command", "name", got)
		}
	}
}

// awaitPublishStart waits for onStatus NetStream.Publish.Start.
func (c *Client) awaitPublishStart() error {
	args, err := c.awaitCommand("onStatus")
	if err != nil {
		return err
	}
	for _, a := range args {
		info, ok := a.(map[string]any)
		if !ok {
			continue
		}
		code, _ := info["code"].(string)
		switch {
		case code == "NetStream.Publish.Start":
			return nil
		case strings.HasPrefix(code, "NetStream.Publish"):
			return fmt.Errorf("publish rejected: %s", code)
		}
	}
	return errors.New("onStatus without publish code")
}

// handleControl processes protocol control messages; reports whether the
// message was consumed.
func (c *Client) handleControl(m message) bool {
	switch m.typeID {
	case msgSetChunkSize:
		if len(m.payload) >= 4 {
			size := int(m.payload[0])<<24 | int(m.payload[1])<<16 | int(m.payload[2])<<8 | int(m.payload[3])
			c.cr.setChunkSize(size)
		}
	case msgWindowAckSize:
		if len(m.payload) >= 4 {
			c.windowAck = uint32(m.payload[0])<<24 | uint32(m.payload[1])<<16 | uint32(m.payload[2])<<8 | uint32(m.payload[3])
		}
	case msgAcknowledgement, msgSetPeerBandwidth, msgUserControl:
		// Nothing to do; reads exist to keep the TCP window moving.
	default:
		return false
	}
	return true
}

func (c *Client) accountIncoming(n int) {
	c.bytesIn += uint32(n)
	if c.windowAck > 0 && c.bytesIn-c.lastAck >= c.windowAck/2 {
		c.queue(csidControl, message{
			typeID: msgAcknowledgement,
			payload: []byte{
				byte(c.bytesIn >> 24), byte(c.bytesIn >> 16),
				byte(c.bytesIn >> 8), byte(c.bytesIn),
			},
		})
		c.lastAck = c.bytesIn
	}
}

// SendVideo queues one FLV-tagged video payload. data is length-prefix
// H.264, or the decoder configuration record for the sequence header.
func (c *Client) SendVideo(timestamp uint32, data []byte, keyframe, sequenceHeader bool) error {
	c.queue(csidVideo, message{
		typeID:    msgVideo,
		streamID:  c.streamID,
		timestamp: timestamp,
		payload:   videoTag(data, keyframe, sequenceHeader),
	})
	return nil
}

// SendAudio queues one FLV-tagged AAC payload.
func (c *Client) SendAudio(timestamp uint32, data []byte, sequenceHeader bool) error {
	c.queue(csidAudio, message{
		typeID:    msgAudio,
		streamID:  c.streamID,
		timestamp: timestamp,
		payload:   audioTag(data, sequenceHeader),
	})
	return nil
}

// Buffered returns the pending write-buffer size in bytes.
func (c *Client) Buffered() int { return len(c.pending) }

// Service makes one non-blocking pass: flush what the socket accepts,
// then drain incoming control traffic so ACKs keep the window open.
func (c *Client) Service() error {
	if err := c.tryFlush(); err != nil {
		return err
	}

	c.conn.SetReadDeadline(time.Now().Add(pollDeadline))
	for {
		m, err := c.cr.next()
		if err != nil {
			if isTimeout(err) {
				break
			}
			return fmt.Errorf("rtmp: read: %w", err)
		}
		c.accountIncoming(len(m.payload))
		if !c.handleControl(m) && m.typeID == msgCommandAMF0 {
			if name, _, _, err := decodeCommand(m.payload); err == nil {
				c.log.Debug("server command during publish", "name", name)
			}
		}
	}
	return c.tryFlush()
}

// tryFlush writes as much of the buffer as the socket accepts within a
// short deadline; a timeout leaves the remainder queued.
func (c *Client) tryFlush() error {
	for len(c.pending) > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(flushDeadline))
		n, err := c.conn.Write(c.pending)
		c.pending = c.pending[n:]
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return fmt.Errorf("rtmp: write: %w", err)
		}
	}
	return nil
}

// Close flushes what it can and tears the stream down.
func (c *Client) Close() error {
	c.tryFlush()
	c.queue(csidCommand, message{
		typeID:   msgCommandAMF0,
		streamID: c.streamID,
		payload:  encodeCommand("deleteStream", c.nextTx(), nil, float64(c.streamID)),
	})
	c.tryFlush()
	return c.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
