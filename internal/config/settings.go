package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/xeipuuv/gojsonschema"
)

const (
	DefaultUsername = "root"
	DefaultSSHPort  = 22
	DefaultRegion   = "default"

	// KeyPasswordEnv names the environment variable consulted when the
	// settings file carries no SSH key passphrase.
	KeyPasswordEnv = "SSH_KEY_PASSWORD"
)

// Host is one remote machine of the testbed.
type Host struct {
	Hostname string `json:"hostname"`
	Username string `json:"username"`
	Port     int    `json:"port"`
	Region   string `json:"region"`
}

// NewHost validates and builds a Host, filling the username, port and region
// defaults.
func NewHost(hostname, username string, port int, region string) (Host, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return Host{}, newError(ErrorCodeInvalidSettings, "host: hostname is required")
	}
	if username = strings.TrimSpace(username); username == "" {
		username = DefaultUsername
	}
	if port == 0 {
		port = DefaultSSHPort
	}
	if port < 0 || port > 65535 {
		return Host{}, newError(ErrorCodeInvalidSettings, "host %s: invalid ssh port %d", hostname, port)
	}
	if region = strings.TrimSpace(region); region == "" {
		region = DefaultRegion
	}
	return Host{Hostname: hostname, Username: username, Port: port, Region: region}, nil
}

// IP returns the hostname with any ":port" suffix removed.
func (h Host) IP() string {
	if host, _, err := net.SplitHostPort(h.Hostname); err == nil {
		return host
	}
	return h.Hostname
}

// Addr is the SSH dial address.
func (h Host) Addr() string {
	return net.JoinHostPort(h.IP(), strconv.Itoa(h.Port))
}

func (h Host) String() string {
	return h.Username + "@" + h.Addr()
}

// Repo describes the benchmarked repository checked out on every host.
type Repo struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Branch string `json:"branch"`
}

// Settings is the testbed description. It is loaded once and passed to every
// component that needs it.
type Settings struct {
	KeyPath     string
	KeyPassword string
	BasePort    int
	Repo        Repo
	Hosts       []Host
}

type settingsFile struct {
	Key struct {
		Path string `json:"path"`
	} `json:"key"`
	Port  int  `json:"port"`
	Repo  Repo `json:"repo"`
	Hosts []struct {
		Hostname string `json:"hostname"`
		Username string `json:"username"`
		Port     int    `json:"port"`
		Region   string `json:"region"`
	} `json:"hosts"`
	KeyPassword string `json:"ssh_key_password"`
}

// LoadSettings reads and validates a settings file.
func LoadSettings(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(ErrorCodeInvalidSettings, "read settings file: %v", err)
	}
	return ParseSettings(raw)
}

// ParseSettings validates raw settings JSON against the settings schema and
// decodes it.
func ParseSettings(raw []byte) (*Settings, error) {
	if err := validateDocument("settings.json", gojsonschema.NewBytesLoader(raw), ErrorCodeInvalidSettings, "settings"); err != nil {
		return nil, err
	}
	var f settingsFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, newError(ErrorCodeInvalidSettings, "decode settings: %v", err)
	}
	s := &Settings{
		KeyPath:     f.Key.Path,
		KeyPassword: f.KeyPassword,
		BasePort:    f.Port,
		Repo:        f.Repo,
		Hosts:       make([]Host, 0, len(f.Hosts)),
	}
	for _, h := range f.Hosts {
		host, err := NewHost(h.Hostname, h.Username, h.Port, h.Region)
		if err != nil {
			return nil, err
		}
		s.Hosts = append(s.Hosts, host)
	}
	if s.KeyPassword == "" {
		s.KeyPassword = os.Getenv(KeyPasswordEnv)
	}
	return s, nil
}

// LoadEnv loads environment variables from a dotenv file. A missing file is
// not an error.
func LoadEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("no env file loaded", "path", path)
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	slog.Debug("env file loaded", "path", path)
	return nil
}

// Lookup finds a configured host by hostname.
func (s *Settings) Lookup(hostname string) (Host, bool) {
	for _, h := range s.Hosts {
		if h.Hostname == hostname || h.IP() == hostname {
			return h, true
		}
	}
	return Host{}, false
}

// ResolveHostArgs maps "host" or "user@host" arguments to configured hosts.
// Unknown hosts get the default username and port. No arguments means every
// configured host.
func (s *Settings) ResolveHostArgs(args []string) ([]Host, error) {
	if len(args) == 0 {
		return append([]Host(nil), s.Hosts...), nil
	}
	out := make([]Host, 0, len(args))
	for _, arg := range args {
		user, name := "", arg
		if i := strings.Index(arg, "@"); i >= 0 {
			user, name = arg[:i], arg[i+1:]
		}
		if h, ok := s.Lookup(name); ok {
			out = append(out, h)
			continue
		}
		h, err := NewHost(name, user, 0, "")
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Regions returns region names in first appearance order with their hosts.
func (s *Settings) Regions() ([]string, map[string][]Host) {
	order := []string{}
	byRegion := map[string][]Host{}
	for _, h := range s.Hosts {
		if _, ok := byRegion[h.Region]; !ok {
			order = append(order, h.Region)
		}
		byRegion[h.Region] = append(byRegion[h.Region], h)
	}
	return order, byRegion
}

// SelectHosts picks the prefix of the configured hosts needed to run every
// parameter combination of b.
func (s *Settings) SelectHosts(b BenchParameters) ([]Host, error) {
	need := b.HostsNeeded()
	if len(s.Hosts) < need {
		return nil, newError(ErrorCodeInsufficientHosts, "not enough hosts: need %d, have %d", need, len(s.Hosts))
	}
	return append([]Host(nil), s.Hosts[:need]...), nil
}
