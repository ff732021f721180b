package governor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (g *Governor) handler() http.Handler {
	mux := http.NewServeMux()
	reg := g.c.Metrics.Registry
	mux.Handle(g.server.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html>
            <head><title>Core Governor</title></head>
            <body>
            <h1>Core Governor</h1>
            <p><a href="` + g.server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})
	return mux
}
