// Package templates embeds the files written by `a2a setup`.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
