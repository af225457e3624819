package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrHeaderTooLarge is returned when the header block exceeds the caller's limit.
var ErrHeaderTooLarge = errors.New("httpx: header too large")

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// Request is a parsed HTTP/1.x request start-line + headers. Nothing past the
// blank line is consumed from the reader, so frames pipelined behind the
// upgrade request stay buffered for the caller.
type Request struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *Request) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HasToken reports whether any comma-separated element of header name equals
// token, ignoring case ("Connection: keep-alive, Upgrade").
func (p *Request) HasToken(name, token string) bool {
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, name) {
			continue
		}
		for _, t := range strings.Split(h.Value, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// Path returns the request URI without its query string.
func (p *Request) Path() string {
	if i := strings.IndexByte(p.URI, '?'); i >= 0 {
		return p.URI[:i]
	}
	return p.URI
}

// ParseRequest reads from r until the end of the header block or until more
// than max bytes were seen.
func ParseRequest(r *bufio.Reader, max int) (*Request, int, error) {
	var buf []byte
	for !hasHeaderEnd(buf) {
		if len(buf) > max {
			return nil, 0, fmt.Errorf("%w (%d>%d)", ErrHeaderTooLarge, len(buf), max)
		}
		line, err := r.ReadSlice('\n')
		buf = append(buf, line...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
	}
	p, err := parseBuffer(buf)
	if err != nil {
		return nil, 0, err
	}
	return p, len(buf), nil
}

func hasHeaderEnd(b []byte) bool {
	return bytes.HasSuffix(b, []byte("\r\n\r\n")) || bytes.HasSuffix(b, []byte("\n\n")) || bytes.Equal(b, []byte("\r\n"))
}

func parseBuffer(buf []byte) (*Request, error) {
	lines := strings.Split(strings.TrimRight(string(buf), "\r\n"), "\n")
	reqLine := strings.TrimRight(lines[0], "\r")
	parts := strings.Split(reqLine, " ")
	if len(parts) != 3 {
		return nil, fmt.Errorf("bad request line: %q", reqLine)
	}
	p := &Request{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue // skip malformed
		}
		p.Headers = append(p.Headers, Header{Name: line[:colon], Value: strings.TrimSpace(line[colon+1:])})
	}
	return p, nil
}

// RemoteIPFromConn extracts IP portion from remote address.
func RemoteIPFromConn(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
