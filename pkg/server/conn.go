package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Framing selects how the reader cuts the byte stream into events.
type Framing string

const (
	// FramingRead emits one event per successful read. A line split across
	// two TCP segments arrives as two separate broadcasts.
	FramingRead Framing = "read"
	// FramingLine emits one event per newline terminated line.
	FramingLine Framing = "line"
)

// minLineBufferSize is the smallest buffer bufio accepts.
const minLineBufferSize = 16

// connection bridges one net.Conn to the registry.
type connection struct {
	id      ClientID
	conn    net.Conn
	mailbox *Mailbox
	events  chan<- Event
	framing Framing
	bufSize int
	logger  *log.Entry
}

// readLoop forwards everything the client sends until end of stream or error.
func (c *connection) readLoop() {
	decoder := unicode.UTF8.NewDecoder()
	var err error
	switch c.framing {
	case FramingLine:
		err = c.readLines(decoder)
	default:
		err = c.readChunks(decoder)
	}

	switch {
	case err == nil, errors.Is(err, io.EOF):
		c.logger.Debugf("[client] %s closed the connection", c.id)
	case errors.Is(err, net.ErrClosed):
		c.logger.Debugf("[client] %s connection closed locally", c.id)
	default:
		c.logger.Errorf("[client] %s read bytes error: %v", c.id, err)
	}
}

func (c *connection) readChunks(decoder *encoding.Decoder) error {
	buf := make([]byte, c.bufSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.forward(decoder, buf[:n])
		}
		if err != nil {
			return err
		}
	}
}

func (c *connection) readLines(decoder *encoding.Decoder) error {
	size := c.bufSize
	if size < minLineBufferSize {
		size = minLineBufferSize
	}
	reader := bufio.NewReaderSize(c.conn, size)
	for {
		line, err := reader.ReadSlice('\n')
		if len(line) > 0 {
			// overlong lines are flushed in buffer sized pieces
			c.forward(decoder, line)
		}
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func (c *connection) forward(decoder *encoding.Decoder, p []byte) {
	c.events <- classify(c.id, decodeLossy(decoder, p))
}

// writeLoop drains the mailbox until the registry finishes or evicts the
// client, or a write fails. A finished mailbox is flushed before returning.
func (c *connection) writeLoop() {
	for {
		select {
		case cmd := <-c.mailbox.Commands():
			if err := c.write(cmd); err != nil {
				c.logger.Errorf("[client] %s write bytes error: %v", c.id, err)
				return
			}
		case <-c.mailbox.Evicted():
			c.logger.Infof("[client] %s evicted by registry, closing", c.id)
			return
		case <-c.mailbox.Finished():
			c.flush()
			return
		}
	}
}

// flush writes whatever is left in the queue.
func (c *connection) flush() {
	for {
		select {
		case cmd := <-c.mailbox.Commands():
			if err := c.write(cmd); err != nil {
				c.logger.Errorf("[client] %s write bytes error: %v", c.id, err)
				return
			}
		default:
			return
		}
	}
}

func (c *connection) write(cmd OutboundCommand) error {
	switch cmd := cmd.(type) {
	case SendText:
		_, err := io.WriteString(c.conn, cmd.Text)
		return err
	default:
		c.logger.Warnf("[client] %s ignoring unknown outbound command %T", c.id, cmd)
		return nil
	}
}

// decodeLossy turns p into text, replacing invalid UTF-8 with U+FFFD.
func decodeLossy(decoder *encoding.Decoder, p []byte) string {
	out, err := decoder.Bytes(p)
	if err != nil {
		return strings.ToValidUTF8(string(p), "\uFFFD")
	}
	return string(out)
}

// classify turns a decoded chunk into a Command when it starts with the
// command marker and into a Broadcast of the raw chunk otherwise.
func classify(id ClientID, text string) Event {
	if !strings.HasPrefix(text, CommandMarker) {
		return Broadcast{ID: id, Text: text}
	}
	return Command{ID: id, Tokens: strings.FieldsFunc(text, isASCIISpace)}
}

func isASCIISpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\f', '\r':
		return true
	}
	return false
}
