package chatstream

import "embed"

// TemplateFS contains the embedded HTML templates used to export conversations as standalone pages.
//
//go:embed templates/*
var TemplateFS embed.FS
