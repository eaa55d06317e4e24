package discussion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/nulpointcorp/ai-gateway/internal/core"
)

// Export serializes a session with its full transcript. Supported formats
// are "json", "markdown" (alias "md"), and "html". The returned content type
// matches the format.
func (o *Orchestrator) Export(ctx context.Context, sessionID, format string) ([]byte, string, error) {
	sess, err := o.store.GetDiscussionSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	messages, err := o.store.GetDiscussionMessages(ctx, sessionID, -1)
	if err != nil {
		return nil, "", err
	}

	doc := exportDoc{Session: sess, Messages: messages}
	switch strings.ToLower(format) {
	case "", "json":
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, "", err
		}
		return data, "application/json", nil
	case "markdown", "md":
		var buf bytes.Buffer
		if err := markdownTmpl.Execute(&buf, doc); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "text/markdown; charset=utf-8", nil
	case "html":
		var buf bytes.Buffer
		if err := htmlTmpl.Execute(&buf, doc); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "text/html; charset=utf-8", nil
	default:
		return nil, "", fmt.Errorf("discussion: unsupported export format %q", format)
	}
}

type exportDoc struct {
	Session  *core.DiscussionSession   `json:"session"`
	Messages []*core.DiscussionMessage `json:"messages"`
}

var markdownTmpl = texttemplate.Must(texttemplate.New("md").Parse(`# Discussion: {{.Session.Topic}}

- Session: {{.Session.ID}}
- Status: {{.Session.Status}}
- Providers: {{range $i, $p := .Session.Providers}}{{if $i}}, {{end}}{{$p}}{{end}}
- Created: {{.Session.CreatedAt.Format "2006-01-02 15:04:05 MST"}}
{{- if .Session.ParentSessionID}}
- Continues: {{.Session.ParentSessionID}}
{{- end}}

{{range .Messages}}{{if gt .Round 0}}## Round {{.Round}} — {{.Provider}} ({{.Role}})

{{if eq .Status "completed"}}{{.Content}}{{else}}_{{.Status}}: {{.Content}}_{{end}}

{{end}}{{end -}}
{{if .Session.Summary}}## Summary

{{.Session.Summary}}
{{end}}`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Discussion {{.Session.ID}}</title></head>
<body>
<h1>{{.Session.Topic}}</h1>
<p>Status: {{.Session.Status}} | Providers: {{range $i, $p := .Session.Providers}}{{if $i}}, {{end}}{{$p}}{{end}}</p>
{{range .Messages}}{{if gt .Round 0}}
<h2>Round {{.Round}} — {{.Provider}} ({{.Role}})</h2>
<pre>{{.Content}}</pre>
{{end}}{{end}}
{{if .Session.Summary}}<h2>Summary</h2><pre>{{.Session.Summary}}</pre>{{end}}
</body>
</html>
`))
