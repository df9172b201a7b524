package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/valve-controller/internal/logic"
	"github.com/sweeney/valve-controller/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stateClass": func(s logic.ValveState) string {
		switch s {
		case logic.StateOpen:
			return "open"
		case logic.StateClosed:
			return "closed"
		}
		return "unknown"
	},
	"lpm": func(f *float64) string {
		if f == nil {
			return "-"
		}
		return fmt.Sprintf("%.2f", *f)
	},
	"ts": func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Valve Controller</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.open { color: green; font-weight: bold; }
.closed { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Valve Controller{{if .Config.DeviceID}} ({{.Config.DeviceID}}){{end}}</h1>

<h2>State</h2>
<table>
<tr><th>Valve</th><td id="valve-state" class="{{stateClass .Valve}}">{{.Valve}}</td></tr>
<tr><th>Mode switch</th><td>{{.Mode}}</td></tr>
<tr><th>Override until</th><td>{{ts .OverrideEnd}}</td></tr>
<tr><th>Next change</th><td>{{ts .NextChange}}</td></tr>
{{if .Flow}}<tr><th>Flow</th><td>{{lpm .Flow}} l/min</td></tr>{{end}}
<tr><th>Ready</th><td>{{if .Started}}yes{{else}}no{{end}}</td></tr>
</table>

<h2>Schedule</h2>
{{if .Schedule}}<table>
<tr><th>Start</th><td>Every / For</td></tr>
{{range .Schedule}}<tr><th>{{.Start.UTC.Format "2006-01-02T15:04:05Z"}}</th><td>{{.Period}} / {{.Duration}}</td></tr>
{{end}}</table>{{else}}<p>No schedule defined</p>{{end}}

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Counts</h2>
<table>
<tr><th>Opened</th><td>{{.Counts.Opened}}</td></tr>
<tr><th>Closed</th><td>{{.Counts.Closed}}</td></tr>
<tr><th>Overrides</th><td>{{.Counts.Overrides}}</td></tr>
<tr><th>Resumes</th><td>{{.Counts.Resumes}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>Store</th><td>{{.Config.Store}}</td></tr>
<tr><th>Actuator</th><td>{{.Config.Actuator}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
