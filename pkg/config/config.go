// Package config loads awg-keeper settings from defaults, an optional YAML
// file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gopkg.in/yaml.v3"
)

// Obfuscation holds the AmneziaWG junk packet and header parameters.
type Obfuscation struct {
	Jc   int    `yaml:"jc"`
	Jmin int    `yaml:"jmin"`
	Jmax int    `yaml:"jmax"`
	S1   int    `yaml:"s1"`
	S2   int    `yaml:"s2"`
	H1   uint32 `yaml:"h1"`
	H2   uint32 `yaml:"h2"`
	H3   uint32 `yaml:"h3"`
	H4   uint32 `yaml:"h4"`
}

type Daemon struct {
	// HostMode is "container" (docker exec) or "local".
	HostMode  string `yaml:"host_mode"`
	Container string `yaml:"container"`
	ConfigDir string `yaml:"config_dir"`
	Interface string `yaml:"interface"`
	// KeyGen is "daemon" (wg genkey inside the daemon env) or "local".
	KeyGen         string        `yaml:"keygen"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// Runtime is "command" (wg show) or "netlink" (local wgctrl).
	Runtime string `yaml:"runtime"`
}

type Server struct {
	Endpoint     string `yaml:"endpoint"`
	PublicKey    string `yaml:"public_key"`
	PresharedKey string `yaml:"preshared_key"`
}

type Clients struct {
	Network     string      `yaml:"network"`
	IPStart     string      `yaml:"ip_start"`
	DNS         []string    `yaml:"dns"`
	Devices     []string    `yaml:"devices"`
	Obfuscation Obfuscation `yaml:"obfuscation"`
	OutputDir   string      `yaml:"output_dir"`
}

type Store struct {
	// Backend is one of memory, sqlite, mysql, bolt, consul.
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	MySQLDSN   string `yaml:"mysql_dsn"`
	ConsulAddr string `yaml:"consul_addr"`
}

type Sync struct {
	Interval     time.Duration `yaml:"interval"`
	RestoreDelay time.Duration `yaml:"restore_delay"`
	AdoptOrphans bool          `yaml:"adopt_orphans"`
	LeaderKey    string        `yaml:"leader_key"`
}

type API struct {
	Addr      string `yaml:"addr"`
	Token     string `yaml:"token"`
	JWTSecret string `yaml:"jwt_secret"`
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
	ClientCA  string `yaml:"client_ca"`
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

// Settings is the full runtime configuration. It is passed explicitly to
// constructors; nothing reads it from a global.
type Settings struct {
	Daemon  Daemon  `yaml:"daemon"`
	Server  Server  `yaml:"server"`
	Clients Clients `yaml:"clients"`
	Store   Store   `yaml:"store"`
	Sync    Sync    `yaml:"sync"`
	API     API     `yaml:"api"`
	Log     Log     `yaml:"log"`
}

// Default returns the reference deployment settings.
func Default() Settings {
	return Settings{
		Daemon: Daemon{
			HostMode:       "container",
			Container:      "amnezia-awg",
			ConfigDir:      "/opt/amnezia/awg",
			Interface:      "wg0",
			KeyGen:         "daemon",
			CommandTimeout: 30 * time.Second,
			Runtime:        "command",
		},
		Clients: Clients{
			Network: "10.8.1.0/24",
			IPStart: "10.8.1.17",
			DNS:     []string{"1.1.1.1", "1.0.0.1"},
			Devices: []string{"phone", "laptop", "router"},
			Obfuscation: Obfuscation{
				Jc: 2, Jmin: 10, Jmax: 50, S1: 105, S2: 72,
				H1: 1632458931, H2: 1121810837, H3: 697439987, H4: 1960185003,
			},
			OutputDir: "data/configs",
		},
		Store: Store{
			Backend: "sqlite",
			Path:    "data/database.db",
		},
		Sync: Sync{
			Interval:     30 * time.Second,
			RestoreDelay: 500 * time.Millisecond,
			LeaderKey:    "awg-keeper/leader",
		},
		API: API{
			Addr: ":8080",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// ServerConfigPath is the daemon's server config file.
func (s Settings) ServerConfigPath() string {
	return path.Join(s.Daemon.ConfigDir, s.Daemon.Interface+".conf")
}

// ClientsTablePath is the companion application's client list.
func (s Settings) ClientsTablePath() string {
	return path.Join(s.Daemon.ConfigDir, "clientsTable")
}

// Load builds Settings from defaults, the YAML file at file (optional), a
// .env file in the working directory and the environment.
func Load(file string) (Settings, error) {
	s := Default()
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return s, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse config %s: %w", file, err)
		}
	}
	if err := loadDotEnv(); err != nil {
		return s, fmt.Errorf("load .env: %w", err)
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return s, err
	}
	return s, nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	u32 := func(key string, dst *uint32) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = uint32(n)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("HOST_MODE", &s.Daemon.HostMode)
	str("AWG_CONTAINER", &s.Daemon.Container)
	str("AWG_CONFIG_PATH", &s.Daemon.ConfigDir)
	str("AWG_INTERFACE", &s.Daemon.Interface)
	str("KEYGEN", &s.Daemon.KeyGen)
	str("RUNTIME_READER", &s.Daemon.Runtime)
	dur("COMMAND_TIMEOUT", &s.Daemon.CommandTimeout)

	str("SERVER_ENDPOINT", &s.Server.Endpoint)
	str("SERVER_PUBLIC_KEY", &s.Server.PublicKey)
	str("PRESHARED_KEY", &s.Server.PresharedKey)

	str("CLIENT_NETWORK", &s.Clients.Network)
	str("CLIENT_IP_START", &s.Clients.IPStart)
	list("DNS_SERVERS", &s.Clients.DNS)
	list("DEVICES", &s.Clients.Devices)
	str("CONFIG_OUTPUT_DIR", &s.Clients.OutputDir)
	o := &s.Clients.Obfuscation
	integer("JC", &o.Jc)
	integer("JMIN", &o.Jmin)
	integer("JMAX", &o.Jmax)
	integer("S1", &o.S1)
	integer("S2", &o.S2)
	u32("H1", &o.H1)
	u32("H2", &o.H2)
	u32("H3", &o.H3)
	u32("H4", &o.H4)

	str("STORE_BACKEND", &s.Store.Backend)
	str("DATABASE_PATH", &s.Store.Path)
	str("MYSQL_DSN", &s.Store.MySQLDSN)
	str("CONSUL_ADDR", &s.Store.ConsulAddr)

	dur("SYNC_INTERVAL", &s.Sync.Interval)
	dur("RESTORE_DELAY", &s.Sync.RestoreDelay)
	boolean("ADOPT_ORPHANS", &s.Sync.AdoptOrphans)

	str("API_ADDR", &s.API.Addr)
	str("API_TOKEN", &s.API.Token)
	str("JWT_SECRET", &s.API.JWTSecret)
	str("TLS_CERT", &s.API.TLSCert)
	str("TLS_KEY", &s.API.TLSKey)
	str("TLS_CLIENT_CA", &s.API.ClientCA)

	str("LOG_LEVEL", &s.Log.Level)
	str("LOG_FILE", &s.Log.File)
	boolean("LOG_JSON", &s.Log.JSON)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports every problem at once.
func (s Settings) Validate() error {
	var errs []error
	required := []struct {
		name, value string
	}{
		{"SERVER_ENDPOINT", s.Server.Endpoint},
		{"SERVER_PUBLIC_KEY", s.Server.PublicKey},
		{"PRESHARED_KEY", s.Server.PresharedKey},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}
	if s.Server.PublicKey != "" {
		if _, err := wgtypes.ParseKey(s.Server.PublicKey); err != nil {
			errs = append(errs, fmt.Errorf("SERVER_PUBLIC_KEY: %w", err))
		}
	}
	if s.Server.PresharedKey != "" {
		if _, err := wgtypes.ParseKey(s.Server.PresharedKey); err != nil {
			errs = append(errs, fmt.Errorf("PRESHARED_KEY: %w", err))
		}
	}

	prefix, err := netip.ParsePrefix(s.Clients.Network)
	if err != nil {
		errs = append(errs, fmt.Errorf("CLIENT_NETWORK: %w", err))
	}
	start, err := netip.ParseAddr(s.Clients.IPStart)
	if err != nil {
		errs = append(errs, fmt.Errorf("CLIENT_IP_START: %w", err))
	} else if prefix.IsValid() && !prefix.Contains(start) {
		errs = append(errs, fmt.Errorf("CLIENT_IP_START %s is outside %s", start, prefix))
	}
	if len(s.Clients.Devices) == 0 {
		errs = append(errs, errors.New("at least one device class is required"))
	}

	switch s.Daemon.HostMode {
	case "container":
		if s.Daemon.Container == "" {
			errs = append(errs, errors.New("AWG_CONTAINER is required in container mode"))
		}
	case "local":
	default:
		errs = append(errs, fmt.Errorf("unknown host mode %q", s.Daemon.HostMode))
	}
	switch s.Daemon.KeyGen {
	case "daemon", "local":
	default:
		errs = append(errs, fmt.Errorf("unknown keygen %q", s.Daemon.KeyGen))
	}
	switch s.Daemon.Runtime {
	case "command", "netlink":
	default:
		errs = append(errs, fmt.Errorf("unknown runtime reader %q", s.Daemon.Runtime))
	}
	switch s.Store.Backend {
	case "memory", "sqlite", "bolt", "consul":
	case "mysql":
		if s.Store.MySQLDSN == "" {
			errs = append(errs, errors.New("MYSQL_DSN is required for the mysql backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", s.Store.Backend))
	}
	if s.Sync.Interval <= 0 {
		errs = append(errs, errors.New("SYNC_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// DeviceAllowed reports whether d is a configured device class.
func (s Settings) DeviceAllowed(d string) bool {
	for _, known := range s.Clients.Devices {
		if known == d {
			return true
		}
	}
	return false
}
