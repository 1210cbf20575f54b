package web

import "embed"

// FS holds the operator UI served at "/".
//
//go:embed *.html *.css *.js
var FS embed.FS
