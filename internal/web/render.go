// Package web renders the human-readable client configuration served by the
// operational HTTP server.
package web

import (
	"embed"
	"io"
	"sync"
	"text/template"
	"time"
)

//go:embed templates/*.txt
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	tmpl = template.Must(template.New("base").ParseFS(tmplFS, "templates/*.txt"))
}

// ClientConfig is what a client needs to reach the gateway.
type ClientConfig struct {
	Name      string
	Identity  string
	Host      string
	Port      string
	Path      string
	Transport string
}

// Render writes the client configuration block for c to w.
func Render(w io.Writer, c ClientConfig) error {
	once.Do(load)
	if c.Name == "" {
		c.Name = "wsgate"
	}
	if c.Path == "" {
		c.Path = "/"
	}
	data := map[string]any{
		"Name":      c.Name,
		"Identity":  c.Identity,
		"Host":      c.Host,
		"Port":      c.Port,
		"Path":      c.Path,
		"Transport": c.Transport,
		"Now":       time.Now().UTC().Format(time.RFC822),
	}
	return tmpl.ExecuteTemplate(w, "client", data)
}
