package zabbix

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/outpostd/outpost/pkg/log"
)

// DefaultPort is the standard host-agent port.
const DefaultPort = 10050

// headerMagic opens every request and response frame.
var headerMagic = []byte("ZBXD\x01")

// notSupportedPrefix marks an item the agent cannot serve; the prefix is
// followed by a NUL byte and a message.
const notSupportedPrefix = "ZBX_NOTSUPPORTED"

// readLimit is the one-shot response read size.
const readLimit = 1024

// Client queries one host agent. Every item is a separate TCP exchange.
type Client struct {
	Host    string
	Port    int
	Timeout time.Duration
}

// NewClient returns a client for the given host on the default port.
func NewClient(host string) *Client {
	return &Client{
		Host:    host,
		Port:    DefaultPort,
		Timeout: 10 * time.Second,
	}
}

// Encode frames one item key: the 5-byte magic, the payload length as
// little-endian uint64, then the key terminated by a newline.
func Encode(key string) []byte {
	payload := []byte(key + "\n")
	frame := make([]byte, 0, len(headerMagic)+8+len(payload))
	frame = append(frame, headerMagic...)
	frame = binary.LittleEndian.AppendUint64(frame, uint64(len(payload)))
	return append(frame, payload...)
}

// Decode strips the 13-byte header off a response frame and returns the
// payload as text.
func Decode(frame []byte) (string, error) {
	if len(frame) < len(headerMagic)+8 {
		return "", fmt.Errorf("response too short: %d bytes", len(frame))
	}
	if string(frame[:len(headerMagic)]) != string(headerMagic) {
		return "", fmt.Errorf("incorrect header %q", frame[:len(headerMagic)])
	}
	length := binary.LittleEndian.Uint64(frame[len(headerMagic) : len(headerMagic)+8])
	payload := frame[len(headerMagic)+8:]
	if uint64(len(payload)) > length {
		payload = payload[:length]
	}
	return string(payload), nil
}

// Get performs one exchange and returns the raw item value.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	d := net.Dialer{Timeout: c.Timeout}
	addr := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to host agent at %s: %w", addr, err)
	}
	defer conn.Close()

	if c.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.Timeout))
	}

	if _, err := conn.Write(Encode(key)); err != nil {
		return "", fmt.Errorf("failed to send request for %s: %w", key, err)
	}

	buf := make([]byte, readLimit)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("failed to read response for %s: %w", key, err)
	}
	return Decode(buf[:n])
}

// GetNumeric performs one exchange and parses the value as a number. It
// returns nil (without error) for values the agent does not support; the
// agent's message is logged.
func (c *Client) GetNumeric(ctx context.Context, key string) (*float64, error) {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
		return &v, nil
	}
	if strings.HasPrefix(raw, notSupportedPrefix) {
		message := raw
		if i := strings.IndexByte(raw, 0); i >= 0 {
			message = raw[i+1:]
		}
		log.Logger.Warn().Str("key", key).Str("error", message).Msg("host agent item not supported")
	}
	return nil, nil
}

// GetAll fetches every item in one pass. Items that fail or are unsupported
// map to nil; a connection error on one item does not stop the rest.
func (c *Client) GetAll(ctx context.Context, keys []string) map[string]*float64 {
	values := make(map[string]*float64, len(keys))
	for _, key := range keys {
		v, err := c.GetNumeric(ctx, key)
		if err != nil {
			log.Logger.Error().Err(err).Str("key", key).Msg("host agent query failed")
			values[key] = nil
			continue
		}
		values[key] = v
	}
	return values
}
