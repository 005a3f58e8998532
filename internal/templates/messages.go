package templates

import (
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/fxoffline/internal/config"
)

// Kind selects one status line.
type Kind string

const (
	KindStale         Kind = "stale"
	KindNoData        Kind = "noData"
	KindDeviceOffline Kind = "deviceOffline"
	KindOriginDown    Kind = "originDown"
)

// MessageData is what status templates see.
type MessageData struct {
	Base      string
	FetchedAt time.Time
	Age       time.Duration
	Error     string
}

// Messages holds the compiled status templates.
type Messages struct {
	byKind map[Kind]*Template
}

// CompileMessages compiles every configured message. Unset messages render
// as the empty string.
func CompileMessages(r *Renderer, cfg config.MessagesConfig) (*Messages, error) {
	sources := map[Kind]string{
		KindStale:         cfg.Stale,
		KindNoData:        cfg.NoData,
		KindDeviceOffline: cfg.DeviceOffline,
		KindOriginDown:    cfg.OriginDown,
	}
	m := &Messages{byKind: make(map[Kind]*Template, len(sources))}
	for kind, source := range sources {
		tmpl, err := r.CompileInline(string(kind), source)
		if err != nil {
			return nil, err
		}
		m.byKind[kind] = tmpl
	}
	return m, nil
}

// Render executes the template for kind. Unset templates render "".
func (m *Messages) Render(kind Kind, data MessageData) (string, error) {
	if m == nil {
		return "", nil
	}
	tmpl, ok := m.byKind[kind]
	if !ok {
		return "", fmt.Errorf("templates: unknown message %q", kind)
	}
	if tmpl == nil {
		return "", nil
	}
	out, err := tmpl.Render(data)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
