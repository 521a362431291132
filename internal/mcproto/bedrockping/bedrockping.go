// Package bedrockping implements the Bedrock Edition UNCONNECTED_PING /
// UNCONNECTED_PONG UDP exchange.
package bedrockping

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mcprobe/controller/internal/motd"
	"github.com/mcprobe/controller/internal/status"
)

// DefaultTimeout bounds the whole UDP round trip.
const DefaultTimeout = 3 * time.Second

// MaxRetries is a retained-but-disabled retry knob, kept off by
// default.
const MaxRetries = 0

const unconnectedPing byte = 0x01
const unconnectedPong byte = 0x1C

// offlineMessageID is the fixed RakNet magic value.
var offlineMessageID = [16]byte{0x00, 0xFF, 0xFF, 0x00, 0xFE, 0xFE, 0xFE, 0xFE, 0xFD, 0xFD, 0xFD, 0xFD, 0x12, 0x34, 0x56, 0x78}

// buildPing constructs an UNCONNECTED_PING packet for clientGUID sent at
// timestampMillis.
func buildPing(timestampMillis int64, clientGUID int64) []byte {
	buf := make([]byte, 0, 1+8+16+8)
	buf = append(buf, unconnectedPing)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(timestampMillis))
	buf = append(buf, ts...)
	buf = append(buf, offlineMessageID[:]...)
	guid := make([]byte, 8)
	binary.BigEndian.PutUint64(guid, uint64(clientGUID))
	buf = append(buf, guid...)
	return buf
}

func randomGUID() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return time.Now().UnixNano()
	}
	return n.Int64()
}

// parsePong validates and decodes an UNCONNECTED_PONG payload into its
// semicolon-delimited server info string.
func parsePong(buf []byte) (string, error) {
	if len(buf) < 35 {
		return "", fmt.Errorf("pong too short: %d bytes", len(buf))
	}
	if buf[0] != unconnectedPong {
		return "", fmt.Errorf("unexpected packet id: 0x%02x", buf[0])
	}
	// Skip id(1) + timestamp(8) + server GUID(8) + magic(16).
	offset := 1 + 8 + 8 + 16
	if len(buf) < offset+2 {
		return "", fmt.Errorf("pong missing string length")
	}
	strLen := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
	offset += 2
	if len(buf) < offset+strLen {
		return "", fmt.Errorf("pong string truncated")
	}
	return string(buf[offset : offset+strLen]), nil
}

// Ping sends a single UNCONNECTED_PING to addr (host:port) and parses the
// reply. Retries are controlled by MaxRetries, currently 0.
func Ping(ctx context.Context, addr string) *status.ServerStatus {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return &status.ServerStatus{Online: false, Error: err.Error()}
	}

	conn, err := net.DialUDP("udp4", nil, udpAddr)
	if err != nil {
		return &status.ServerStatus{Online: false, Error: err.Error()}
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > DefaultTimeout {
		deadline = time.Now().Add(DefaultTimeout)
	}
	_ = conn.SetDeadline(deadline)

	packet := buildPing(time.Now().UnixMilli(), randomGUID())

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if _, err := conn.Write(packet); err != nil {
			lastErr = err
			continue
		}

		buf := make([]byte, 1500)
		n, err := conn.Read(buf)
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				lastErr = errTimeout{}
				continue
			}
			lastErr = err
			continue
		}

		info, parseErr := parsePong(buf[:n])
		if parseErr != nil {
			lastErr = parseErr
			continue
		}
		return parseServerInfo(info)
	}

	if _, isTimeout := lastErr.(errTimeout); isTimeout {
		return &status.ServerStatus{Online: false, Error: "timeout"}
	}
	if lastErr != nil {
		return &status.ServerStatus{Online: false, Error: lastErr.Error()}
	}
	return &status.ServerStatus{Online: false, Error: "timeout"}
}

type errTimeout struct{}

func (errTimeout) Error() string { return "timeout" }

// parseServerInfo maps the semicolon-delimited MOTD line onto
// status.ServerStatus.
func parseServerInfo(info string) *status.ServerStatus {
	parts := strings.Split(info, ";")
	if len(parts) < 6 {
		return &status.ServerStatus{Online: false, Error: "Invalid server info response"}
	}

	edition := parts[0]
	motdLine := parts[1]
	protocolStr := parts[2]
	version := parts[3]
	onlineStr := parts[4]
	maxStr := parts[5]

	protocol, _ := strconv.Atoi(protocolStr)
	online, _ := strconv.Atoi(onlineStr)
	max, _ := strconv.Atoi(maxStr)

	raw, clean, html := motd.Parse(motdLine)

	return &status.ServerStatus{
		Online:   true,
		Protocol: "bedrock",
		Version: &status.Version{
			Name:      fmt.Sprintf("%s %s", edition, version),
			CleanName: version,
			Protocol:  protocol,
		},
		Players: &status.Players{Online: online, Max: max},
		MOTD:    &status.MOTD{Raw: raw, Clean: clean, HTML: html},
	}
}
