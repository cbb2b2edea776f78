package overlay

import (
	"fmt"
	"image"
	"slices"
	"sync"

	"github.com/bryanchriswhite/AcquireStreamer/internal/capture"
	"github.com/bryanchriswhite/AcquireStreamer/internal/logger"
	"github.com/rs/zerolog"
)

// Manager renders its widgets in the order they were added
type Manager struct {
	mu      sync.RWMutex
	widgets []Widget
	enabled bool
	log     *zerolog.Logger
}

// NewManager creates an enabled manager without widgets
func NewManager() *Manager {
	return &Manager{enabled: true, log: logger.WithComponent("overlay")}
}

// AddWidget appends a widget. IDs must be unique.
func (m *Manager) AddWidget(w Widget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.indexLocked(w.ID()) >= 0 {
		return fmt.Errorf("widget with ID %s already exists", w.ID())
	}
	m.widgets = append(m.widgets, w)
	m.log.Debug().Str("widget", w.ID()).Msg("Added widget")
	return nil
}

// RemoveWidget removes a widget by ID
func (m *Manager) RemoveWidget(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("widget with ID %s not found", id)
	}
	m.widgets = slices.Delete(m.widgets, i, i+1)
	return nil
}

// Widget returns a widget by ID
func (m *Manager) Widget(id string) (Widget, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i := m.indexLocked(id); i >= 0 {
		return m.widgets[i], true
	}
	return nil, false
}

func (m *Manager) indexLocked(id string) int {
	return slices.IndexFunc(m.widgets, func(w Widget) bool { return w.ID() == id })
}

func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Render draws every enabled widget onto dst. A failing widget is logged and
// skipped.
func (m *Manager) Render(dst *image.RGBA, md capture.FrameMetadata) {
	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return
	}
	widgets := slices.Clone(m.widgets)
	m.mu.RUnlock()

	for _, w := range widgets {
		if !w.IsEnabled() {
			continue
		}
		if err := w.Render(dst, md); err != nil {
			m.log.Warn().Err(err).Str("widget", w.ID()).Msg("Failed to render widget")
		}
	}
}
