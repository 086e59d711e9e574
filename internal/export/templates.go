package export

import (
	"bytes"
	"html/template"
	"time"
)

var nodeTemplate = template.Must(template.New("node").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
  @page { size: letter; }
  body { font-family: Georgia, serif; color: #1a1a1a; line-height: 1.6; }
  header { border-bottom: 2px solid #1a1a1a; margin-bottom: 24px; padding-bottom: 12px; }
  h1 { margin: 0 0 4px; font-size: 28px; }
  .meta { color: #666; font-size: 12px; }
  .meta span + span::before { content: " \00b7 "; }
  pre.body { white-space: pre-wrap; font-family: inherit; font-size: 14px; }
</style>
</head>
<body>
<header>
  <h1>{{.Title}}</h1>
  <div class="meta">
    <span>{{.PlanetName}}</span>
    <span>{{.FilePath}}</span>
    <span>{{.Tier}}</span>
    {{if not .UpdatedAt.IsZero}}<span>{{.UpdatedAt.Format "Jan 2, 2006"}}</span>{{end}}
  </div>
</header>
<pre class="body">{{.Content}}</pre>
</body>
</html>`))

// TemplateData holds data for node template rendering. Content is the raw
// markdown body; it is escaped, not rendered.
type TemplateData struct {
	Title      string
	PlanetName string
	FilePath   string
	Tier       string
	Content    string
	UpdatedAt  time.Time
}

// RenderNodeHTML renders the printable HTML shell for a node.
func RenderNodeHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := nodeTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
