package serve

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var staticFS embed.FS

// staticHandler serves the embedded frontend pages.
func staticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		// Embedded assets are part of the binary; a missing subtree is a
		// build defect, not a runtime condition.
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}
