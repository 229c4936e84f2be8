package main

import (
	"bytes"
	"html/template"
	"io"
	"net/http"

	"github.com/stapelberg/hmcentral/internal/hm"
	"github.com/stapelberg/hmcentral/internal/hm/central"
)

const statusTmplContents = `
<!DOCTYPE html>
<title>hmcentral</title>
<body>
<h1>Peers of {{ .Central }}</h1>
<table width="100%">
{{ range $idx, $peer := .Peers }}
<tr>
<td>{{ $peer.Serial }}</td>
<td>
{{ $peer.Peer }}
{{ if $peer.Peer.Unreach }}<strong>UNREACH</strong>{{ end }}
{{ if $peer.Peer.ConfigPending }}<em>CONFIG_PENDING</em>{{ end }}
<br>
{{ range $idx, $event := $peer.Events }}
<ul>
{{ $event.HTML }}
</ul>
{{ end }}
</td>
</tr>
{{ end }}
</table>
<h1>Hosted devices</h1>
<table width="100%">
{{ range $idx, $dev := .Hosted }}
<tr>
<td>{{ $dev.Serial }}</td>
<td>
{{ $dev.Device }}<br>
{{ range $idx, $event := $dev.Events }}
<ul>
{{ $event.HTML }}
</ul>
{{ end }}
</td>
</tr>
{{ end }}
</table>
`

var statusTmpl = template.Must(template.New("status").Parse(statusTmplContents))

type peerStatus struct {
	Serial string
	Peer   *hm.Peer
	Events []hm.Event
}

type hostedStatus struct {
	Serial string
	Device *hm.Device
	Events []hm.Event
}

// eventSource is implemented by hosted devices which keep their last
// events.
type eventSource interface {
	MostRecentEvents() []hm.Event
}

func handleStatus(w http.ResponseWriter, r *http.Request, c *central.Central, registry *hm.Registry) {
	var buf bytes.Buffer

	var peers []peerStatus
	for _, p := range c.Peers() {
		peers = append(peers, peerStatus{
			Serial: p.Serial,
			Peer:   p,
			Events: c.MostRecentEvents(p.Address),
		})
	}
	var hosted []hostedStatus
	for _, dev := range registry.Devices() {
		if dev.Base() == c.Device {
			continue
		}
		hs := hostedStatus{Serial: dev.Base().Serial, Device: dev.Base()}
		if es, ok := dev.(eventSource); ok {
			hs.Events = es.MostRecentEvents()
		}
		hosted = append(hosted, hs)
	}

	if err := statusTmpl.Execute(&buf, struct {
		Central *central.Central
		Peers   []peerStatus
		Hosted  []hostedStatus
	}{
		Central: c,
		Peers:   peers,
		Hosted:  hosted,
	}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	io.Copy(w, &buf)
}
