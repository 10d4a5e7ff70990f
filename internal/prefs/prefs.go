// Package prefs persists the user's display preferences and the sound flag.
// Values are stored as strings under fixed key names, so any backend that
// can hold a flat string map works.
package prefs

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
)

// Key names.
const (
	KeyAccent    = "accent"
	KeyDense     = "dense"
	KeySound     = "sound"
	KeyBgURL     = "bgUrl"
	KeyBgOpacity = "bgOpacity"
	KeyBgBlur    = "bgBlur"
)

// DefaultBgURL is the background shown until the user picks one.
const DefaultBgURL = "https://images.unsplash.com/photo-1501785888041-af3ef285b470?auto=format&fit=crop&w=2100&q=80"

// Prefs are the typed preference values.
type Prefs struct {
	Accent    string
	Dense     bool
	Sound     bool
	BgURL     string
	BgOpacity float64
	BgBlur    int
}

// Defaults returns the preferences used for missing keys.
func Defaults() Prefs {
	return Prefs{
		Accent:    "#22d3ee",
		Dense:     false,
		Sound:     true,
		BgURL:     DefaultBgURL,
		BgOpacity: 0.35,
		BgBlur:    6,
	}
}

// Decode builds Prefs from stored strings. Missing or unparsable values take
// their defaults. Sound is on unless stored as "0".
func Decode(vals map[string]string) Prefs {
	p := Defaults()
	if v := vals[KeyAccent]; v != "" {
		p.Accent = v
	}
	p.Dense = vals[KeyDense] == "1"
	p.Sound = vals[KeySound] != "0"
	if v := vals[KeyBgURL]; v != "" {
		p.BgURL = v
	}
	if v, err := strconv.ParseFloat(vals[KeyBgOpacity], 64); err == nil {
		p.BgOpacity = v
	}
	if v, err := strconv.Atoi(vals[KeyBgBlur]); err == nil {
		p.BgBlur = v
	}
	return p
}

// Encode returns the stored string form of p.
func (p Prefs) Encode() map[string]string {
	return map[string]string{
		KeyAccent:    p.Accent,
		KeyDense:     boolFlag(p.Dense),
		KeySound:     boolFlag(p.Sound),
		KeyBgURL:     p.BgURL,
		KeyBgOpacity: strconv.FormatFloat(p.BgOpacity, 'f', -1, 64),
		KeyBgBlur:    strconv.Itoa(p.BgBlur),
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Backend stores a flat string map.
type Backend interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, vals map[string]string) error
}

// Store caches preferences in memory and writes changed keys through to a
// backend. It is safe for concurrent use.
type Store struct {
	backend Backend

	mu    sync.RWMutex
	prefs Prefs
}

// NewStore creates a Store holding defaults until Load is called.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend, prefs: Defaults()}
}

// Load reads preferences from the backend. On failure the defaults stay in
// effect and the error is returned.
func (s *Store) Load(ctx context.Context) error {
	vals, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("prefs: load: %w", err)
	}
	p := Decode(vals)
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
	return nil
}

// Get returns the current preferences.
func (s *Store) Get() Prefs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

// SoundOn reports whether notification sounds are enabled.
func (s *Store) SoundOn() bool {
	return s.Get().Sound
}

// Update applies fn to a copy of the preferences and writes the keys that
// changed. The cached value is only replaced when the write succeeds.
func (s *Store) Update(ctx context.Context, fn func(p *Prefs)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.prefs
	fn(&next)

	before, after := s.prefs.Encode(), next.Encode()
	changed := make(map[string]string)
	for k, v := range after {
		if before[k] != v {
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		return nil
	}
	if err := s.backend.Save(ctx, changed); err != nil {
		return fmt.Errorf("prefs: save: %w", err)
	}
	s.prefs = next
	log.Printf("[prefs] updated %d key(s)", len(changed))
	return nil
}
