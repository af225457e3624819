// Package tunnelhdr decodes the binary tunnel header a client sends as the
// first message of a session: identity, destination and initial payload.
//
//	byte 0      version (ignored)
//	bytes 1-16  identity
//	byte 17     options length (ignored)
//	byte 18     command
//	byte 19     address type: 1 IPv4, 3 domain, 4 IPv6
//	...         address, 16-bit big-endian port, payload
package tunnelhdr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	AddrIPv4   byte = 1
	AddrDomain byte = 3
	AddrIPv6   byte = 4

	CmdTCP byte = 1

	// MinLength is the shortest buffer Decode will look at.
	MinLength = 24

	fixedLen = 20
)

var (
	ErrHeaderTooShort         = errors.New("tunnelhdr: header too short")
	ErrUnsupportedAddressType = errors.New("tunnelhdr: unsupported address type")
	ErrInvalidHost            = errors.New("tunnelhdr: host cannot be encoded")
)

// Request is a decoded tunnel header.
type Request struct {
	Version  byte
	Identity uuid.UUID
	Command  byte
	AddrType byte
	Host     string
	Port     uint16
	Payload  []byte
}

// Address returns host:port suitable for dialing.
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// ParseIdentity parses the textual identity form.
func ParseIdentity(s string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(s))
}

// Decode parses b. The returned payload aliases b.
func Decode(b []byte) (*Request, error) {
	if len(b) < MinLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooShort, len(b))
	}
	r := &Request{Version: b[0], Command: b[18], AddrType: b[19]}
	copy(r.Identity[:], b[1:17])

	off := fixedLen
	var addrLen int
	switch r.AddrType {
	case AddrIPv4:
		addrLen = net.IPv4len
	case AddrDomain:
		addrLen = int(b[off])
		off++
	case AddrIPv6:
		addrLen = net.IPv6len
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAddressType, r.AddrType)
	}
	if len(b) < off+addrLen+2 {
		return nil, fmt.Errorf("%w: address runs past %d bytes", ErrHeaderTooShort, len(b))
	}
	addr := b[off : off+addrLen]
	off += addrLen

	switch r.AddrType {
	case AddrIPv4:
		r.Host = net.IP(addr).String()
	case AddrDomain:
		r.Host = string(addr)
	case AddrIPv6:
		groups := make([]string, 8)
		for i := range groups {
			groups[i] = fmt.Sprintf("%04x", binary.BigEndian.Uint16(addr[i*2:]))
		}
		r.Host = strings.Join(groups, ":")
	}
	r.Port = binary.BigEndian.Uint16(b[off:])
	r.Payload = b[off+2:]
	return r, nil
}

// Encode is the inverse of Decode. When AddrType is zero it is inferred from
// Host; Version and Command default to 0 and CmdTCP.
func Encode(r *Request) ([]byte, error) {
	atyp := r.AddrType
	ip := net.ParseIP(r.Host)
	if atyp == 0 {
		switch {
		case ip != nil && ip.To4() != nil:
			atyp = AddrIPv4
		case ip != nil:
			atyp = AddrIPv6
		default:
			atyp = AddrDomain
		}
	}
	cmd := r.Command
	if cmd == 0 {
		cmd = CmdTCP
	}

	out := make([]byte, fixedLen, fixedLen+1+len(r.Host)+2+len(r.Payload))
	out[0] = r.Version
	copy(out[1:17], r.Identity[:])
	out[18] = cmd
	out[19] = atyp
	switch atyp {
	case AddrIPv4:
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("%w: %q is not IPv4", ErrInvalidHost, r.Host)
		}
		out = append(out, ip.To4()...)
	case AddrIPv6:
		if ip == nil {
			return nil, fmt.Errorf("%w: %q is not IPv6", ErrInvalidHost, r.Host)
		}
		out = append(out, ip.To16()...)
	case AddrDomain:
		if len(r.Host) == 0 || len(r.Host) > 255 {
			return nil, fmt.Errorf("%w: domain length %d", ErrInvalidHost, len(r.Host))
		}
		out = append(out, byte(len(r.Host)))
		out = append(out, r.Host...)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedAddressType, atyp)
	}
	out = binary.BigEndian.AppendUint16(out, r.Port)
	return append(out, r.Payload...), nil
}
