package server

import (
	"html/template"
	"net/http"
)

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Online   int    `json:"online"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: s.acceptor.Active(),
		Online:   s.dir.Count(),
	})
}

var fallbackPage = template.Must(template.New("fallback").Parse(`<!DOCTYPE html>
<html>
<head><title>IronWire</title></head>
<body>
<h1>IronWire</h1>
<p>WebSocket: <code>ws://{{.}}/ws</code></p>
<p>Upload: POST to <code>/upload</code></p>
<p>Media: GET <code>/media/...</code></p>
</body>
</html>
`))

func fallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = fallbackPage.Execute(w, r.Host)
}
