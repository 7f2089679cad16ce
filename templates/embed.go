// Package templates embeds the default server and pipeline configuration.
package templates

import "embed"

//go:embed config.yaml pipelines.yaml secrets.yaml
var FS embed.FS
