package server

import (
	"embed"
	"html/template"
	"io/fs"
)

//go:embed templates/*
var templateFiles embed.FS

const (
	layoutFile = "layout.html"
	// layoutTemplate is the template every page is executed as
	layoutTemplate = "layout"
)

func TemplateFilesFS() fs.FS {
	subFS, err := fs.Sub(templateFiles, "templates")
	if err != nil {
		panic("Failed to create templates sub filesystem: " + err.Error())
	}
	return subFS
}

// ParseTemplate parses page on top of the shared layout
func ParseTemplate(page string) (*template.Template, error) {
	return template.ParseFS(TemplateFilesFS(), layoutFile, page)
}
