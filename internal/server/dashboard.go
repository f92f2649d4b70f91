package server

import (
	"html/template"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"skymatch/internal/storage"
)

const dashboardRuns = 25

var dashboardTmpl = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"ago": humanize.Time,
	"ms": func(ms int64) string {
		return (time.Duration(ms) * time.Millisecond).String()
	},
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>skymatch</title>
    <style>
        body { font-family: sans-serif; background: #0f172a; color: #f8fafc; margin: 2rem; }
        table { border-collapse: collapse; width: 100%; }
        th, td { text-align: left; padding: 0.4rem 0.8rem; border-bottom: 1px solid #475569; }
        th { color: #cbd5e1; }
        a { color: #3b82f6; }
        .failed { color: #ef4444; }
        #live { color: #10b981; font-size: 0.9rem; }
    </style>
</head>
<body>
    <h1>skymatch runs</h1>
    <p id="live">{{if .Live}}live updates on{{else}}live updates off{{end}}</p>
    {{if .Error}}<p class="failed">{{.Error}}</p>{{end}}
    <table>
        <tr><th>Run</th><th>Created</th><th>Method</th><th>Images</th><th>Groups</th><th>Failed</th><th>Duration</th><th>Manifest</th></tr>
        {{range .Runs}}
        <tr{{if .Error}} class="failed" title="{{.Error}}"{{end}}>
            <td><a href="/runs/{{.ID}}">{{.ID}}</a></td>
            <td>{{ago .CreatedAt}}</td>
            <td>{{.Method}}</td>
            <td>{{.Images}}</td>
            <td>{{.Groups}}</td>
            <td>{{.FailedGroups}}</td>
            <td>{{ms .DurationMS}}</td>
            <td>{{.Manifest}}</td>
        </tr>
        {{else}}
        <tr><td colspan="8">no runs recorded</td></tr>
        {{end}}
    </table>
    {{if .Live}}
    <script>
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
        ws.onmessage = () => location.reload();
    </script>
    {{end}}
</body>
</html>`))

type dashboardData struct {
	Runs  []storage.RunRecord
	Error string
	Live  bool
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := dashboardData{Live: s.pipeline != nil}
	if s.store == nil {
		data.Error = "storage unavailable"
	} else if runs, err := s.store.RecentRuns(dashboardRuns); err != nil {
		data.Error = err.Error()
	} else {
		data.Runs = runs
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		s.log.Error("render dashboard", "error", err)
	}
}
