// Package handshake computes the WebSocket accept token and renders the
// protocol-switch response. No extensions or subprotocols are negotiated.
package handshake

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"

	"github.com/matst80/wsgate/internal/httpx"
)

const magic = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var (
	ErrMissingKey = errors.New("handshake: missing Sec-WebSocket-Key")
	ErrNotUpgrade = errors.New("handshake: not a websocket upgrade")
)

// BadRequest is written when the upgrade cannot be negotiated.
const BadRequest = "HTTP/1.1 400 Bad Request\r\nContent-Type: text/plain\r\nContent-Length: 11\r\nConnection: close\r\n\r\nBad Request"

// AcceptToken returns base64(SHA-1(key || magic)).
func AcceptToken(key string) (string, error) {
	if key == "" {
		return "", ErrMissingKey
	}
	sum := sha1.Sum([]byte(key + magic))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// Response renders the 101 reply for an accept token.
func Response(token string) []byte {
	return []byte("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + token + "\r\n\r\n")
}

// Negotiate checks that req asks for a websocket upgrade and returns the
// response to send.
func Negotiate(req *httpx.Request) ([]byte, error) {
	if !req.HasToken("Upgrade", "websocket") {
		return nil, ErrNotUpgrade
	}
	token, err := AcceptToken(req.Get("Sec-WebSocket-Key"))
	if err != nil {
		return nil, err
	}
	return Response(token), nil
}
