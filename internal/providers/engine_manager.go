package providers

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
)

// TextEngine is the part of the tesseract client the manager drives.
// *gosseract.Client satisfies it.
type TextEngine interface {
	SetLanguage(langs ...string) error
	SetImageFromBytes(data []byte) error
	Text() (string, error)
	GetBoundingBoxes(level gosseract.PageIteratorLevel) ([]gosseract.BoundingBox, error)
	Close() error
}

// EngineFactory creates a fresh engine instance
type EngineFactory func() TextEngine

// EngineManager owns the single in-process engine. Only one instance, loaded
// for one language set, exists at a time; callers with a different language
// set wait their turn and the engine is rebuilt for them.
type EngineManager struct {
	factory EngineFactory
	sem     chan struct{}
	engine  TextEngine
	logger  *logging.Logger

	// written with the semaphore held, read by the accessors without it
	mu        sync.Mutex
	languages []string
	inits     int
}

// NewEngineManager creates a manager. A nil factory uses gosseract.
func NewEngineManager(factory EngineFactory) *EngineManager {
	if factory == nil {
		factory = func() TextEngine { return gosseract.NewClient() }
	}
	return &EngineManager{
		factory: factory,
		sem:     make(chan struct{}, 1),
		logger:  logging.NewLogger("EngineManager"),
	}
}

func (m *EngineManager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *EngineManager) release() {
	<-m.sem
}

// Init loads the engine for languages, replacing any engine loaded for a different set
func (m *EngineManager) Init(ctx context.Context, languages []string) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	return m.ensure(languages)
}

// Use runs fn with the engine loaded for languages. A failing fn tears the
// engine down so the next caller starts from a clean instance.
func (m *EngineManager) Use(ctx context.Context, languages []string, fn func(TextEngine) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	if err := m.ensure(languages); err != nil {
		return err
	}

	if err := fn(m.engine); err != nil {
		m.teardown()
		return err
	}
	return nil
}

// Languages returns the currently loaded language set
func (m *EngineManager) Languages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.languages)
}

// Inits counts engine initialisations
func (m *EngineManager) Inits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inits
}

// Close releases the engine
func (m *EngineManager) Close() error {
	m.sem <- struct{}{}
	defer m.release()

	m.teardown()
	return nil
}

// ensure must be called with the semaphore held
func (m *EngineManager) ensure(languages []string) error {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}

	if m.engine != nil && slices.Equal(m.languages, languages) {
		return nil
	}

	if m.engine != nil {
		m.logger.Info("Reinitialising engine", "from", m.languages, "to", languages)
		m.teardown()
	}

	engine := m.factory()
	if err := engine.SetLanguage(languages...); err != nil {
		engine.Close()
		return fmt.Errorf("failed to set engine languages %v: %w", languages, err)
	}

	m.engine = engine
	m.mu.Lock()
	m.languages = slices.Clone(languages)
	m.inits++
	m.mu.Unlock()
	return nil
}

func (m *EngineManager) teardown() {
	if m.engine == nil {
		return
	}
	if err := m.engine.Close(); err != nil {
		m.logger.Warn("Failed to close engine", "error", err)
	}
	m.engine = nil
	m.mu.Lock()
	m.languages = nil
	m.mu.Unlock()
}
