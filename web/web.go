// Package web embeds the browser frontend.
package web

import "embed"

//go:embed templates static
var FS embed.FS
