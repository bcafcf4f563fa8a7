package api

import (
	"io/fs"
	"net/http"
	"strings"
)

// NewSPAHandler serves the embedded prompt page. Unknown paths get
// index.html so links like /?prompt=<id> work.
func NewSPAHandler() http.Handler {
	distFS, err := fs.Sub(WebAssets, "web/dist")
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "web page not available", http.StatusNotFound)
		})
	}
	fileServer := http.FileServer(http.FS(distFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if strings.HasPrefix(path, "/api/") {
			http.NotFound(w, r)
			return
		}
		if path != "/" {
			if _, err := fs.Stat(distFS, strings.TrimPrefix(path, "/")); err == nil {
				fileServer.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Cache-Control", "no-cache")
		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}
