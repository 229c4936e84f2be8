package power

import (
	"bytes"
	"fmt"
	"html/template"
)

// buttonMask extracts the channel from the first REMOTE_EVENT payload
// byte; the upper bits flag long presses and low battery.
const (
	buttonMask = 0x3f
	longPress  = 0x40
)

// KeyEvent is a button press of a remote control or push button.
type KeyEvent struct {
	Button  byte
	Long    bool
	Counter byte // identical for repeats of the same press
}

var keTmpl = template.Must(template.New("keyevent").Parse(`
<strong>Key:</strong><br>
Button: {{ .Button }}{{ if .Long }} (long){{ end }}<br>
Counter: {{ .Counter }}<br>
`))

func (ke *KeyEvent) HTML() template.HTML {
	var buf bytes.Buffer
	if err := keTmpl.Execute(&buf, ke); err != nil {
		return template.HTML(template.HTMLEscapeString(err.Error()))
	}
	return template.HTML(buf.String())
}

func (ke *KeyEvent) Channel() int { return int(ke.Button) }

func (ke *KeyEvent) Values() map[string]any {
	press := "PRESS_SHORT"
	if ke.Long {
		press = "PRESS_LONG"
	}
	return map[string]any{
		press:     true,
		"COUNTER": ke.Counter,
	}
}

// DecodeKeyEvent decodes a REMOTE_EVENT payload.
func DecodeKeyEvent(payload []byte) (*KeyEvent, error) {
	// c.f. <frame id="KEY_EVENT_SHORT"> in rftypes/rc.xml
	if got, want := len(payload), 2; got < want {
		return nil, fmt.Errorf("unexpected payload size: got %d, want >= %d", got, want)
	}
	return &KeyEvent{
		Button:  payload[0] & buttonMask,
		Long:    payload[0]&longPress != 0,
		Counter: payload[1],
	}, nil
}
