package gateway

import (
	"fmt"
	"net"
	"net/http"

	"github.com/matst80/wsgate/internal/obs"
)

// reject answers a refused upgrade with a plain-text status and closes c.
func reject(c net.Conn, status int, reason, remote string) {
	obs.Info("gateway.reject", obs.Fields{"status": status, "reason": reason, "remote": remote})
	body := http.StatusText(status)
	msg := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\nCache-Control: no-store\r\n\r\n%s", status, body, len(body), body)
	_, _ = c.Write([]byte(msg))
	_ = c.Close()
}
