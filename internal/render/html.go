package render

import (
	"html/template"
	"strings"
)

var viewTemplate = template.Must(template.New("view").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; margin: 0; background: #0d1117; color: #c9d1d9; }
header { padding: 12px 16px; background: #161b22; border-bottom: 1px solid #30363d; font-size: 14px; }
pre { margin: 0; padding: 16px; font-size: 13px; line-height: 1.5; overflow-x: auto; white-space: pre-wrap; word-break: break-word; }
.add { color: #3fb950; }
.del { color: #f85149; }
.hunk { color: #58a6ff; }
</style>
</head>
<body>
<header>{{.Title}}</header>
<pre>{{range .Lines}}{{if .Class}}<span class="{{.Class}}">{{.Text}}</span>
{{else}}{{.Text}}
{{end}}{{end}}</pre>
</body>
</html>
`))

type viewLine struct {
	Text  string
	Class string
}

type viewData struct {
	Title string
	Lines []viewLine
}

// HTML renders output (and any diff) as a standalone page suitable for
// the artifact store. Diff lines get add/remove highlighting.
func HTML(title, text, diffs string) (string, error) {
	var lines []viewLine
	for _, l := range strings.Split(text, "\n") {
		lines = append(lines, viewLine{Text: l})
	}
	if diffs != "" {
		if text != "" {
			lines = append(lines, viewLine{Text: ""})
		}
		for _, l := range strings.Split(diffs, "\n") {
			lines = append(lines, viewLine{Text: l, Class: diffClass(l)})
		}
	}

	var b strings.Builder
	if err := viewTemplate.Execute(&b, viewData{Title: title, Lines: lines}); err != nil {
		return "", err
	}
	return b.String(), nil
}

func diffClass(line string) string {
	switch {
	case strings.HasPrefix(line, "+"):
		return "add"
	case strings.HasPrefix(line, "-"):
		return "del"
	case strings.HasPrefix(line, "@@"):
		return "hunk"
	default:
		return ""
	}
}
