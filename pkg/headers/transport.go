package headers

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/corestream/rtsp/pkg/base"
)

// Protocol is the lower-layer transport carrying RTP/RTCP.
type Protocol int

// Supported transport protocols.
const (
	ProtocolUDP Protocol = iota
	ProtocolTCP
)

// Delivery is the delivery method of a stream.
type Delivery int

// Supported delivery methods.
const (
	DeliveryUnicast Delivery = iota
	DeliveryMulticast
)

// Mode is the direction of a transport, per the "mode" parameter.
type Mode int

// Supported transport modes.
const (
	ModePlay Mode = iota
	ModeRecord
)

// Transport is a parsed Transport header (RFC 2326 §12.39).
type Transport struct {
	Protocol       Protocol
	Delivery       *Delivery
	InterleavedIDs *[2]int
	TTL            *uint
	Ports          *[2]int
	ClientPorts    *[2]int
	ServerPorts    *[2]int
	SSRC           *uint32
	Mode           *Mode
}

func parsePortRange(v string) (*[2]int, error) {
	parts := strings.Split(v, "-")
	switch len(parts) {
	case 1:
		p, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", v)
		}
		return &[2]int{p, p + 1}, nil
	case 2:
		p1, err1 := strconv.Atoi(parts[0])
		p2, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("invalid ports %q", v)
		}
		return &[2]int{p1, p2}, nil
	}
	return nil, fmt.Errorf("invalid ports %q", v)
}

// ReadTransport parses a Transport header value. A client may offer several
// comma-separated alternatives (RFC 2326 §12.39, e.g. TCP-interleaved and
// UDP in the same header); the first TCP-interleaved alternative is
// preferred, falling back to the first UDP alternative, matching this
// library's own transport preference order.
func ReadTransport(hv base.HeaderValue) (*Transport, error) {
	if len(hv) == 0 {
		return nil, fmt.Errorf("Transport header not provided")
	}

	var parsed []*Transport
	var firstErr error
	for _, alt := range splitParams(hv[0], ',') {
		t, err := parseOneTransport(alt)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		parsed = append(parsed, t)
	}

	if len(parsed) == 0 {
		return nil, firstErr
	}

	for _, t := range parsed {
		if t.Protocol == ProtocolTCP {
			return t, nil
		}
	}
	return parsed[0], nil
}

func parseOneTransport(alt string) (*Transport, error) {
	params := parseParams(alt)
	t := &Transport{}
	protocolFound := false

	for k, v := range params {
		switch k {
		case "RTP/AVP", "RTP/AVP/UDP":
			t.Protocol = ProtocolUDP
			protocolFound = true
		case "RTP/AVP/TCP":
			t.Protocol = ProtocolTCP
			protocolFound = true
		case "unicast":
			d := DeliveryUnicast
			t.Delivery = &d
		case "multicast":
			d := DeliveryMulticast
			t.Delivery = &d
		case "interleaved":
			ports, err := parsePortRange(v)
			if err != nil {
				return nil, err
			}
			t.InterleavedIDs = ports
		case "ttl":
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, err
			}
			vu := uint(n)
			t.TTL = &vu
		case "port":
			ports, err := parsePortRange(v)
			if err != nil {
				return nil, err
			}
			t.Ports = ports
		case "client_port":
			ports, err := parsePortRange(v)
			if err != nil {
				return nil, err
			}
			t.ClientPorts = ports
		case "server_port":
			ports, err := parsePortRange(v)
			if err != nil {
				return nil, err
			}
			t.ServerPorts = ports
		case "ssrc":
			v = strings.TrimLeft(v, " ")
			if len(v)%2 != 0 {
				v = "0" + v
			}
			raw, err := hex.DecodeString(v)
			if err != nil || len(raw) > 4 {
				return nil, fmt.Errorf("invalid ssrc %q", v)
			}
			var buf [4]byte
			copy(buf[4-len(raw):], raw)
			ssrc := binary.BigEndian.Uint32(buf[:])
			t.SSRC = &ssrc
		case "mode":
			switch strings.ToLower(v) {
			case "play":
				m := ModePlay
				t.Mode = &m
			case "record", "receive":
				m := ModeRecord
				t.Mode = &m
			default:
				return nil, fmt.Errorf("invalid transport mode %q", v)
			}
		}
	}

	if !protocolFound {
		return nil, fmt.Errorf("protocol not found in Transport header alternative %q", alt)
	}

	return t, nil
}

// Write serializes a Transport header.
func (t Transport) Write() base.HeaderValue {
	var parts []string

	if t.Protocol == ProtocolUDP {
		parts = append(parts, "RTP/AVP")
	} else {
		parts = append(parts, "RTP/AVP/TCP")
	}

	if t.Delivery != nil {
		if *t.Delivery == DeliveryUnicast {
			parts = append(parts, "unicast")
		} else {
			parts = append(parts, "multicast")
		}
	}

	if t.InterleavedIDs != nil {
		parts = append(parts, fmt.Sprintf("interleaved=%d-%d", t.InterleavedIDs[0], t.InterleavedIDs[1]))
	}

	if t.Ports != nil {
		parts = append(parts, fmt.Sprintf("port=%d-%d", t.Ports[0], t.Ports[1]))
	}

	if t.TTL != nil {
		parts = append(parts, "ttl="+strconv.FormatUint(uint64(*t.TTL), 10))
	}

	if t.ClientPorts != nil {
		parts = append(parts, fmt.Sprintf("client_port=%d-%d", t.ClientPorts[0], t.ClientPorts[1]))
	}

	if t.ServerPorts != nil {
		parts = append(parts, fmt.Sprintf("server_port=%d-%d", t.ServerPorts[0], t.ServerPorts[1]))
	}

	if t.SSRC != nil {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, *t.SSRC)
		parts = append(parts, "ssrc="+strings.ToUpper(hex.EncodeToString(buf)))
	}

	if t.Mode != nil {
		if *t.Mode == ModePlay {
			parts = append(parts, `mode="PLAY"`)
		} else {
			parts = append(parts, `mode="RECORD"`)
		}
	}

	return base.HeaderValue{strings.Join(parts, ";")}
}
