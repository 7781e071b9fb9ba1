package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

// SafeHTML is a template function that marks a string as safe HTML
func SafeHTML(s interface{}) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return template.HTML("")
	}
}

//go:embed templates/*.html
var templateFS embed.FS

var issueTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"safeHTML": SafeHTML,
	}

	templateContent, err := templateFS.ReadFile("templates/issue.html")
	if err != nil {
		// Fallback to built-in template if file not found
		issueTemplate = template.Must(template.New("issue").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	issueTemplate = template.Must(template.New("issue").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for issue report rendering
type TemplateData struct {
	Title           string
	Severity        string
	Status          string
	Reporter        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DescriptionHTML template.HTML
	Grants          []GrantInfo
}

// RenderIssueHTML renders the issue report template with provided data
func RenderIssueHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := issueTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .badge { display: inline-block; padding: 0.1rem 0.5rem; border: 1px solid #333; border-radius: 3px; }
    table { border-collapse: collapse; width: 100%; }
    td, th { border: 1px solid #ccc; padding: 0.4rem; text-align: left; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">
    <span class="badge">{{.Severity}}</span>
    <span class="badge">{{.Status}}</span>
    | reported by {{.Reporter}} on {{.CreatedAt.Format "Jan 2, 2006"}}
  </div>
  <div>{{.DescriptionHTML | safeHTML}}</div>
  {{if .Grants}}
  <h2>Access</h2>
  <table>
    <tr><th>User</th><th>Role</th></tr>
    {{range .Grants}}<tr><td>{{.Username}}</td><td>{{lower .Role}}</td></tr>{{end}}
  </table>
  {{end}}
</body>
</html>`
