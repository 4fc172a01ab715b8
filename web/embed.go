// Package web holds the embedded status page.
package web

import (
	"embed"
	"io/fs"
)

// IndexFile is the page served at the root of the HTTP API.
const IndexFile = "index.html"

//go:embed index.html app.js styles.css
var assets embed.FS

// Files returns the status page assets.
func Files() fs.FS {
	return assets
}
