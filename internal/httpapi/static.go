package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
)

// The capture page under /ui/ starts a push-capture session, streams webcam
// frames over the session websocket and renders the live focus and emotion
// updates.
//
//go:embed static/*
var capturePage embed.FS

func newCapturePageHandler() http.Handler {
	sub, err := fs.Sub(capturePage, "static")
	if err != nil {
		return http.NotFoundHandler()
	}
	files := http.FileServer(http.FS(sub))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The page and the server ship together; never serve a stale copy.
		w.Header().Set("Cache-Control", "no-cache")
		files.ServeHTTP(w, r)
	})
}
