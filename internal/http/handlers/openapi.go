package handlers

import (
	_ "embed"
	"encoding/json"
	"html/template"
	"net/http"
	"strings"
	"sync"
)

//go:embed openapi.json
var openAPISpec []byte

// apiDocument is the embedded document decoded once. servers is rewritten
// per request so "Try it" targets the host the caller reached.
var apiDocument = sync.OnceValues(func() (map[string]any, error) {
	var doc map[string]any
	err := json.Unmarshal(openAPISpec, &doc)
	return doc, err
})

var docsPage = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <title>{{.Title}} {{.Version}}</title>
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <style>
      body { margin: 0; padding: 0; }
      redoc { display: block; height: 100vh; }
    </style>
  </head>
  <body>
    <redoc spec-url="{{.SpecURL}}"></redoc>
    <script src="https://cdn.jsdelivr.net/npm/redoc@2.2.0/bundles/redoc.standalone.js"></script>
  </body>
</html>`))

func (a *App) OpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	doc, err := apiDocument()
	if err != nil {
		a.internal(w, r, err, "openapi document is invalid")
		return
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	out["servers"] = []map[string]string{{"url": requestOrigin(r)}}
	a.json(w, http.StatusOK, out)
}

func (a *App) OpenAPIDocs(w http.ResponseWriter, r *http.Request) {
	doc, err := apiDocument()
	if err != nil {
		a.internal(w, r, err, "openapi document is invalid")
		return
	}
	info, _ := doc["info"].(map[string]any)
	title, _ := info["title"].(string)
	version, _ := info["version"].(string)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = docsPage.Execute(w, map[string]string{
		"Title":   title,
		"Version": version,
		"SpecURL": "/openapi.json",
	})
}

// requestOrigin honours a proxy's X-Forwarded-Proto/Host.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0]); proto == "http" || proto == "https" {
		scheme = proto
	}
	host := r.Host
	if fwd := strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Host"), ",")[0]); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host
}
