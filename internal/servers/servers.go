// Package servers holds the configured list of sync servers and tracks which
// one is currently selected.
package servers

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmerrifield20/keyprov/pkg/serveraddr"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
)

// DefaultServer is used when the configuration lists no servers.
var DefaultServer = Server{
	Name:   "Local Sync Server",
	APIURL: "wss://localhost:6000",
}

var (
	// ErrNoServers is returned when the list is empty.
	ErrNoServers = errors.New("no servers configured")
	// ErrUnknownServer is returned when a name or index matches no server.
	ErrUnknownServer = errors.New("unknown server")
	// ErrNoOAuth2 is returned by OAuth2Config for servers without OAuth2 settings.
	ErrNoOAuth2 = errors.New("server has no oauth2 configuration")
)

// OAuth2Settings are the endpoints a server publishes for browser login.
type OAuth2Settings struct {
	ClientID    string   `mapstructure:"client_id"`
	AuthURL     string   `mapstructure:"auth_url"`
	TokenURL    string   `mapstructure:"token_url"`
	RedirectURL string   `mapstructure:"redirect_url"`
	Scopes      []string `mapstructure:"scopes"`
}

// Server is one configured sync server.
type Server struct {
	Name      string         `mapstructure:"name"`
	APIURL    string         `mapstructure:"api_url"`
	UseOAuth2 bool           `mapstructure:"use_oauth2"`
	OAuth2    OAuth2Settings `mapstructure:"oauth2"`
}

// OAuth2Config returns the oauth2.Config for the server's browser login.
func (s Server) OAuth2Config() (*oauth2.Config, error) {
	o := s.OAuth2
	if o.ClientID == "" || o.AuthURL == "" || o.TokenURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoOAuth2, s.Name)
	}
	return &oauth2.Config{
		ClientID:    o.ClientID,
		RedirectURL: o.RedirectURL,
		Scopes:      o.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  o.AuthURL,
			TokenURL: o.TokenURL,
		},
	}, nil
}

// Load decodes the "servers" and "current_server" keys from v. Servers with
// an unusable api_url are rejected. An empty list yields DefaultServer.
func Load(v *viper.Viper) (*Manager, error) {
	var list []Server
	if err := v.UnmarshalKey("servers", &list); err != nil {
		return nil, fmt.Errorf("decode servers: %w", err)
	}
	if len(list) == 0 {
		list = []Server{DefaultServer}
	}
	for i, s := range list {
		if strings.TrimSpace(s.Name) == "" {
			list[i].Name = s.APIURL
		}
		if _, err := serveraddr.Normalize(s.APIURL); err != nil {
			return nil, fmt.Errorf("server %d (%s): %w", i, s.Name, err)
		}
	}

	m, err := NewManager(list...)
	if err != nil {
		return nil, err
	}
	if name := v.GetString("current_server"); name != "" {
		if err := m.Select(name); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Manager is a thread-safe server list with a current selection.
type Manager struct {
	mu      sync.RWMutex
	servers []Server
	current int
}

// NewManager creates a Manager selecting the first server.
func NewManager(list ...Server) (*Manager, error) {
	if len(list) == 0 {
		return nil, ErrNoServers
	}
	return &Manager{servers: append([]Server(nil), list...)}, nil
}

// List returns a copy of the configured servers.
func (m *Manager) List() []Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Server(nil), m.servers...)
}

// Current returns the selected server and its index.
func (m *Manager) Current() (Server, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.servers[m.current], m.current
}

// Select makes the server with the given name current. A decimal index is
// also accepted.
func (m *Manager) Select(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.indexLocked(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	m.current = i
	return nil
}

// ByName returns the server with the given name or index.
func (m *Manager) ByName(name string) (Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.indexLocked(name)
	if !ok {
		return Server{}, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	return m.servers[i], nil
}

// SetUseOAuth2 switches the login mode of the named server.
func (m *Manager) SetUseOAuth2(name string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.indexLocked(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	m.servers[i].UseOAuth2 = on
	return nil
}

// CurrentAPIURL returns the base address of the selected server.
func (m *Manager) CurrentAPIURL() (string, error) {
	s, _ := m.Current()
	if strings.TrimSpace(s.APIURL) == "" {
		return "", fmt.Errorf("server %q has no api_url", s.Name)
	}
	return s.APIURL, nil
}

func (m *Manager) indexLocked(name string) (int, bool) {
	for i, s := range m.servers {
		if strings.EqualFold(s.Name, name) {
			return i, true
		}
	}
	var idx int
	if _, err := fmt.Sscanf(name, "%d", &idx); err == nil && fmt.Sprint(idx) == strings.TrimSpace(name) {
		if idx >= 0 && idx < len(m.servers) {
			return idx, true
		}
	}
	return 0, false
}
