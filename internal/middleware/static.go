package middleware

import (
	"net/http"
	"os"
	"path/filepath"
)

// StaticFileServer serves files from dir, such as the OpenAPI document.
// Paths are cleaned so a request cannot walk out of dir.
func StaticFileServer(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"Not found"}`))
			return
		}

		w.Header().Set("Cache-Control", "public, max-age=300")
		http.ServeFile(w, r, path)
	})
}
