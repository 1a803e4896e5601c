package channel

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/t77yq/hazard-announcer/internal/model"
)

// ToneNotifier rings the terminal bell, once per severity level above low
type ToneNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

// NewToneNotifier writes bells to w
func NewToneNotifier(w io.Writer) *ToneNotifier {
	return &ToneNotifier{w: w}
}

func (n *ToneNotifier) Name() string { return model.ChannelSound }

func (n *ToneNotifier) Notify(_ context.Context, a *model.Alert) error {
	rings := int(a.Severity) - int(model.AlertSeverityLow)
	if rings < 1 {
		rings = 1
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := io.WriteString(n.w, strings.Repeat("\a", rings)); err != nil {
		return fmt.Errorf("failed to ring bell: %w", err)
	}
	return nil
}
