package api

import "embed"

// WebAssets holds the prompt page served at /.
//
//go:embed web/dist/*
var WebAssets embed.FS
