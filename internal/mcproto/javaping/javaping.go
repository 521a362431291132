// Package javaping implements the Java Edition status-ping wire protocol:
// handshake + status-request framing, incremental length-prefixed
// response decoding, and mapping of the returned JSON document onto
// status.ServerStatus.
package javaping

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"regexp"
	"time"

	"github.com/mcprobe/controller/internal/mcproto/varint"
	"github.com/mcprobe/controller/internal/motd"
	"github.com/mcprobe/controller/internal/status"
)

// ProtocolVersion is the handshake protocol version this controller
// advertises.
const ProtocolVersion int32 = 767

// DefaultTimeout bounds the whole connect+handshake+read exchange.
const DefaultTimeout = 5 * time.Second

const nextStateStatus int32 = 1

// buildFrame wraps a packet id and payload in the varint length-prefixed
// frame format: varint(len(id ++ payload)) ++ id ++ payload.
func buildFrame(packetID int32, payload []byte) []byte {
	body := append(varint.Encode(packetID), payload...)
	frame := append(varint.Encode(int32(len(body))), body...)
	return frame
}

// BuildHandshake constructs the handshake packet. host must be the
// user-supplied hostname, never a resolved IP — proxy fronts route by
// this field.
func BuildHandshake(host string, port uint16) []byte {
	payload := varint.Encode(ProtocolVersion)
	payload = append(payload, varint.Encode(int32(len(host)))...)
	payload = append(payload, []byte(host)...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	payload = append(payload, portBytes...)
	payload = append(payload, varint.Encode(nextStateStatus)...)
	return buildFrame(0, payload)
}

// BuildStatusRequest constructs the empty-payload status request frame.
func BuildStatusRequest() []byte {
	return buildFrame(0, nil)
}

// decoder incrementally assembles a single status response frame out of
// possibly-fragmented stream reads.
type decoder struct {
	buf []byte
}

func (d *decoder) feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// tryDecode attempts to decode one complete frame: frame length, packet
// id, a varint string length, then that many UTF-8 bytes. Any stage that
// can't yet proceed returns ok=false so the caller reads more data.
func (d *decoder) tryDecode() (payload []byte, ok bool, err error) {
	frameLen, n1, ok1, err1 := varint.Decode(d.buf)
	if err1 != nil {
		return nil, false, err1
	}
	if !ok1 {
		return nil, false, nil
	}
	if len(d.buf) < n1+int(frameLen) {
		return nil, false, nil
	}
	frame := d.buf[n1 : n1+int(frameLen)]

	_, n2, ok2, err2 := varint.Decode(frame) // packet id
	if err2 != nil {
		return nil, false, err2
	}
	if !ok2 {
		return nil, false, nil
	}
	rest := frame[n2:]

	strLen, n3, ok3, err3 := varint.Decode(rest)
	if err3 != nil {
		return nil, false, err3
	}
	if !ok3 || len(rest) < n3+int(strLen) {
		return nil, false, nil
	}

	payload = rest[n3 : n3+int(strLen)]
	d.buf = d.buf[n1+int(frameLen):]
	return payload, true, nil
}

type javaStatusResponse struct {
	Version *struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players *struct {
		Online int `json:"online"`
		Max    int `json:"max"`
		Sample []struct {
			Name string `json:"name"`
			ID   string `json:"id"`
		} `json:"sample"`
	} `json:"players"`
	Description json.RawMessage `json:"description"`
	Favicon     string          `json:"favicon"`
}

var versionNumberRe = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

func cleanVersionName(name string) string {
	stripped := motd.CleanLegacy(name)
	if m := versionNumberRe.FindString(stripped); m != "" {
		return m
	}
	return stripped
}

// Ping opens a TCP connection to connectAddr, performs the handshake
// using hostHeader as the handshake's host field, sends a status
// request, and parses the response. connectAddr and hostHeader diverge
// when the handshake target was resolved via SRV or a manual IP.
func Ping(ctx context.Context, connectAddr string, hostHeader string, port uint16) *status.ServerStatus {
	dialCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", connectAddr)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return &status.ServerStatus{Online: false, Error: "timeout"}
		}
		return &status.ServerStatus{Online: false, Error: err.Error()}
	}
	defer conn.Close()

	deadline, _ := dialCtx.Deadline()
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(BuildHandshake(hostHeader, port)); err != nil {
		return &status.ServerStatus{Online: false, Error: err.Error()}
	}
	if _, err := conn.Write(BuildStatusRequest()); err != nil {
		return &status.ServerStatus{Online: false, Error: err.Error()}
	}

	dec := &decoder{}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.feed(buf[:n])
			if payload, ok, decErr := dec.tryDecode(); decErr != nil {
				return &status.ServerStatus{Online: false, Error: "Invalid JSON response"}
			} else if ok {
				return parseResponse(payload)
			}
		}
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return &status.ServerStatus{Online: false, Error: "timeout"}
			}
			return &status.ServerStatus{Online: false, Error: err.Error()}
		}
	}
}

func parseResponse(payload []byte) *status.ServerStatus {
	var resp javaStatusResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return &status.ServerStatus{Online: false, Error: "Invalid JSON response"}
	}

	result := &status.ServerStatus{Online: true, Protocol: "java"}

	if resp.Version != nil {
		result.Version = &status.Version{
			Name:      resp.Version.Name,
			CleanName: cleanVersionName(resp.Version.Name),
			Protocol:  resp.Version.Protocol,
		}
	}

	if resp.Players != nil {
		players := &status.Players{Online: resp.Players.Online, Max: resp.Players.Max}
		for _, s := range resp.Players.Sample {
			players.Sample = append(players.Sample, status.PlayerSample{Name: s.Name, ID: s.ID})
		}
		result.Players = players
	}

	if len(resp.Description) > 0 {
		result.MOTD = parseDescription(resp.Description)
	}

	result.Favicon = resp.Favicon
	return result
}

func parseDescription(raw json.RawMessage) *status.MOTD {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		r, c, h := motd.Parse(asString)
		return &status.MOTD{Raw: r, Clean: c, HTML: h}
	}
	r, c, h := motd.Parse(string(raw))
	return &status.MOTD{Raw: r, Clean: c, HTML: h}
}
