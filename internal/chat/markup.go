package chat

import (
	"bytes"
	"html/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Raw HTML in model output is dropped; goldmark only passes it through
// with html.WithUnsafe.
var markdown = goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Table))

// RenderHTML converts answer or summary markdown into safe HTML.
func RenderHTML(md string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}
