package tunnelhdr

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

var testID = uuid.MustParse("11111111-1111-4111-8111-111111111111")

func TestRoundTripAddressTypes(t *testing.T) {
	cases := []struct {
		name string
		atyp byte
		host string
		port uint16
	}{
		{"ipv4", AddrIPv4, "93.184.216.34", 80},
		{"domain", AddrDomain, "example.com", 443},
		{"ipv6", AddrIPv6, "2001:0db8:0000:0000:0000:ff00:0042:8329", 8443},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode(&Request{Identity: testID, Host: c.host, Port: c.port, Payload: []byte("xyz")})
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			r, err := Decode(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if r.AddrType != c.atyp || r.Host != c.host || r.Port != c.port {
				t.Errorf("got type=%d host=%q port=%d", r.AddrType, r.Host, r.Port)
			}
			if r.Identity != testID {
				t.Errorf("identity = %s", r.Identity)
			}
			if string(r.Payload) != "xyz" {
				t.Errorf("payload = %q", r.Payload)
			}
		})
	}
}

func TestDecodeDomainEmptyPayload(t *testing.T) {
	b, err := Encode(&Request{Identity: testID, Host: "example.com", Port: 443})
	if err != nil {
		t.Fatal(err)
	}
	r, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if r.Host != "example.com" || r.Port != 443 || len(r.Payload) != 0 {
		t.Errorf("got %q:%d payload=%d", r.Host, r.Port, len(r.Payload))
	}
	if r.Address() != "example.com:443" {
		t.Errorf("address = %q", r.Address())
	}
}

func TestDecodeTooShort(t *testing.T) {
	for _, atyp := range []byte{AddrIPv4, AddrDomain, AddrIPv6} {
		for n := 0; n < MinLength; n++ {
			b := make([]byte, n)
			if n > 19 {
				b[19] = atyp
			}
			if _, err := Decode(b); !errors.Is(err, ErrHeaderTooShort) {
				t.Fatalf("atyp=%d len=%d: got %v", atyp, n, err)
			}
		}
	}
}

func TestDecodeAddressPastEnd(t *testing.T) {
	b, _ := Encode(&Request{Identity: testID, Host: "2001:db8::1", Port: 1})
	if _, err := Decode(b[:30]); !errors.Is(err, ErrHeaderTooShort) {
		t.Fatalf("truncated ipv6: got %v", err)
	}
	d := make([]byte, 24)
	d[19] = AddrDomain
	d[20] = 200
	if _, err := Decode(d); !errors.Is(err, ErrHeaderTooShort) {
		t.Fatalf("long domain: got %v", err)
	}
}

func TestDecodeUnsupportedAddressType(t *testing.T) {
	for _, atyp := range []byte{0, 2, 5, 0xff} {
		b := make([]byte, 32)
		b[19] = atyp
		if _, err := Decode(b); !errors.Is(err, ErrUnsupportedAddressType) {
			t.Errorf("atyp=%d: got %v", atyp, err)
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	b, err := Encode(&Request{Identity: testID, Host: "93.184.216.34", Port: 80, Payload: []byte("GET / HTTP/1.0\r\n\r\n")})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b[1:17], testID[:]) || b[18] != CmdTCP || b[19] != AddrIPv4 {
		t.Fatalf("unexpected fixed header % x", b[:20])
	}
	if !bytes.Equal(b[20:26], []byte{93, 184, 216, 34, 0, 80}) {
		t.Errorf("address/port % x", b[20:26])
	}
}

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity(" 11111111-1111-4111-8111-111111111111\n")
	if err != nil || id != testID {
		t.Fatalf("got %s, %v", id, err)
	}
	if _, err := ParseIdentity("nope"); err == nil {
		t.Error("expected error")
	}
}
