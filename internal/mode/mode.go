// Package mode resolves the active runtime mode into an upstream target.
package mode

import (
	"errors"
	"sync/atomic"

	"ssr-proxy-go/internal/config"
	"ssr-proxy-go/internal/model"
)

// ErrNoMode is returned when the mode indicator is absent or unrecognized.
var ErrNoMode = errors.New("no mode configured")

// Settings is an immutable snapshot of the mode configuration.
type Settings struct {
	Active   string
	Host     string
	DevPort  int
	ProdPort int
}

// FromConfig extracts the mode snapshot from cfg.
func FromConfig(cfg *config.Config) Settings {
	return Settings{
		Active:   cfg.Mode.Active,
		Host:     cfg.Mode.Host,
		DevPort:  cfg.Mode.DevPort,
		ProdPort: cfg.Mode.ProdPort,
	}
}

// Dev reports whether the dev upstream, and with it the live-reload bridge, is active.
func (s Settings) Dev() bool {
	return s.Active == config.ModeDev
}

// Resolve returns the upstream for s, or ErrNoMode.
func Resolve(s Settings) (model.UpstreamTarget, error) {
	host := s.Host
	if host == "" {
		host = "localhost"
	}
	switch s.Active {
	case config.ModeDev:
		return model.UpstreamTarget{Host: host, Port: s.DevPort}, nil
	case config.ModeProd:
		return model.UpstreamTarget{Host: host, Port: s.ProdPort}, nil
	default:
		return model.UpstreamTarget{}, ErrNoMode
	}
}

// Store holds the current Settings. Reads are lock-free; Swap is the reload hook.
type Store struct {
	cur atomic.Pointer[Settings]
}

// NewStore creates a Store seeded from cfg.
func NewStore(cfg *config.Config) *Store {
	s := &Store{}
	s.Swap(FromConfig(cfg))
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() Settings {
	return *s.cur.Load()
}

// Swap replaces the current snapshot and returns the previous one.
func (s *Store) Swap(next Settings) Settings {
	prev := s.cur.Swap(&next)
	if prev == nil {
		return Settings{}
	}
	return *prev
}

// Resolve resolves the current snapshot. It returns the snapshot too so a
// request can make every later decision against the same view.
func (s *Store) Resolve() (model.UpstreamTarget, Settings, error) {
	cur := s.Load()
	target, err := Resolve(cur)
	return target, cur, err
}
