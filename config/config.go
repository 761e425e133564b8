// Package config loads the YAML cluster definition shared by every site
// and turns it into directory, ticket and authentication settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/Mathew-Estafanous/arbiter"
	"github.com/Mathew-Estafanous/arbiter/cluster"
	"github.com/Mathew-Estafanous/arbiter/wire"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultStateFile = "/var/lib/arbiter/tickets.db"
	TransportUDP     = "udp"
)

var (
	ErrInvalid       = errors.New("invalid configuration")
	ErrTooManySites  = fmt.Errorf("%w: more than %d sites", ErrInvalid, cluster.MaxSites)
	ErrDuplicateSite = fmt.Errorf("%w: site listed twice", ErrInvalid)
	ErrNoLocalSite   = errors.New("no configured site matches a local address")
)

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Duration accepts Go duration strings ("600s", "1m30s") or a bare
// number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.Atoi(value.Value); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the cluster definition. Every site reads the same file.
type Config struct {
	Port      int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Transport string `yaml:"transport" validate:"omitempty,oneof=udp"`

	// AuthFile holds the shared key. Frames are unauthenticated when empty.
	AuthFile     string   `yaml:"authfile"`
	Hash         string   `yaml:"hash" validate:"omitempty,oneof=hmac-sha1 blake2b blake3"`
	MaxTimeSkew  Duration `yaml:"max_time_skew" validate:"gte=0"`
	StartupGrace Duration `yaml:"startup_grace" validate:"gte=0"`

	Sites       []string `yaml:"sites" validate:"required,min=1,dive,required"`
	Arbitrators []string `yaml:"arbitrators" validate:"dive,required"`
	Tickets     []Ticket `yaml:"tickets" validate:"dive"`

	// StateFile is where ticket terms and leases survive restarts.
	StateFile string `yaml:"state_file"`

	// Gossip enables memberlist based liveness detection between sites.
	Gossip *Gossip `yaml:"gossip"`
}

type Gossip struct {
	Bind string   `yaml:"bind"`
	Port int      `yaml:"port" validate:"min=1,max=65535"`
	Join []string `yaml:"join" validate:"dive,required"`
}

type Ticket struct {
	Name         string         `yaml:"name" validate:"required,max=63"`
	Expire       Duration       `yaml:"expire" validate:"gte=0"`
	Timeout      Duration       `yaml:"timeout" validate:"gte=0"`
	Retries      int            `yaml:"retries" validate:"gte=0"`
	RenewalFreq  Duration       `yaml:"renewal_freq" validate:"gte=0"`
	AcquireAfter Duration       `yaml:"acquire_after" validate:"gte=0"`
	Mode         string         `yaml:"mode" validate:"omitempty,oneof=manual automatic"`
	Weights      map[string]int `yaml:"weights" validate:"dive,gte=0"`
	Prereqs      []Prereq       `yaml:"prereqs" validate:"dive"`
}

// Prereq is an attribute condition checked before a grant.
type Prereq struct {
	Name  string `yaml:"name" validate:"required,max=63"`
	Op    string `yaml:"op" validate:"omitempty,oneof=eq ne"`
	Value string `yaml:"value" validate:"max=63"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML document. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = wire.DefaultPort
	}
	if c.Transport == "" {
		c.Transport = TransportUDP
	}
	if c.Hash == "" && c.AuthFile != "" {
		c.Hash = wire.HashHMACSHA1.String()
	}
	if c.MaxTimeSkew == 0 {
		c.MaxTimeSkew = Duration(wire.DefaultMaxSkew)
	}
	if c.StateFile == "" {
		c.StateFile = DefaultStateFile
	}
}

// Validate checks struct constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	all, err := c.addrs()
	if err != nil {
		return err
	}
	if len(all) > cluster.MaxSites {
		return fmt.Errorf("%w: %d configured", ErrTooManySites, len(all))
	}
	seen := make(map[string]bool, len(c.Tickets))
	for _, t := range c.Tickets {
		if seen[t.Name] {
			return fmt.Errorf("%w: ticket %s listed twice", ErrInvalid, t.Name)
		}
		seen[t.Name] = true
		for addr := range t.Weights {
			norm, err := cluster.NormalizeAddr(addr, c.Port)
			if err != nil {
				return fmt.Errorf("%w: ticket %s: %w", ErrInvalid, t.Name, err)
			}
			if !all[norm] {
				return fmt.Errorf("%w: ticket %s weighs unknown site %s", ErrInvalid, t.Name, norm)
			}
		}
		if t.RenewalFreq > 0 && t.Expire > 0 && t.RenewalFreq >= t.Expire {
			return fmt.Errorf("%w: ticket %s: renewal_freq must be shorter than expire", ErrInvalid, t.Name)
		}
	}
	return nil
}

func (c *Config) addrs() (map[string]bool, error) {
	all := make(map[string]bool, len(c.Sites)+len(c.Arbitrators))
	for _, list := range [][]string{c.Sites, c.Arbitrators} {
		for _, a := range list {
			norm, err := cluster.NormalizeAddr(a, c.Port)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
			}
			if all[norm] {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateSite, norm)
			}
			all[norm] = true
		}
	}
	return all, nil
}

// SiteConfigs lists sites before arbitrators, in file order.
func (c *Config) SiteConfigs() []cluster.SiteConfig {
	out := make([]cluster.SiteConfig, 0, len(c.Sites)+len(c.Arbitrators))
	for _, a := range c.Sites {
		out = append(out, cluster.SiteConfig{Addr: a})
	}
	for _, a := range c.Arbitrators {
		out = append(out, cluster.SiteConfig{Addr: a, Arbitrator: true})
	}
	return out
}

// TicketConfigs converts the ticket sections. Zero values fall back to
// the arbiter defaults. Weight keys are normalized with the cluster port.
func (c *Config) TicketConfigs() ([]arbiter.TicketConfig, error) {
	out := make([]arbiter.TicketConfig, 0, len(c.Tickets))
	for _, t := range c.Tickets {
		tc := arbiter.TicketConfig{
			Name:         t.Name,
			Expiry:       time.Duration(t.Expire),
			Timeout:      time.Duration(t.Timeout),
			Retries:      t.Retries,
			Renewal:      time.Duration(t.RenewalFreq),
			AcquireAfter: time.Duration(t.AcquireAfter),
			Manual:       t.Mode == "manual",
		}
		if len(t.Weights) > 0 {
			tc.Weights = make(map[string]int, len(t.Weights))
			for addr, w := range t.Weights {
				norm, err := cluster.NormalizeAddr(addr, c.Port)
				if err != nil {
					return nil, fmt.Errorf("%w: ticket %s: %w", ErrInvalid, t.Name, err)
				}
				tc.Weights[norm] = w
			}
		}
		for _, p := range t.Prereqs {
			tc.Prereqs = append(tc.Prereqs, arbiter.Prereq{Attr: p.Name, Value: p.Value, Negate: p.Op == "ne"})
		}
		out = append(out, tc)
	}
	return out, nil
}

// Authenticator reads the key file and builds the configured hash. It
// returns nil when no key file is configured.
func (c *Config) Authenticator() (wire.Authenticator, error) {
	if c.AuthFile == "" {
		return nil, nil
	}
	key, err := LoadKey(c.AuthFile)
	if err != nil {
		return nil, err
	}
	id, err := wire.ParseHash(c.Hash)
	if err != nil {
		return nil, err
	}
	return wire.NewAuthenticator(id, key)
}

// LoadKey reads a key file. Trailing whitespace is not part of the key.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key := bytes.TrimRight(data, " \t\r\n")
	if len(key) < wire.MinKeyLen || len(key) > wire.MaxKeyLen {
		return nil, fmt.Errorf("%s: %w, got %d", path, wire.ErrKeyLength, len(key))
	}
	return key, nil
}

// LocalSite picks this host's site address. An explicit address must be
// configured; otherwise the first site whose host is bound to a local
// interface wins.
func (c *Config) LocalSite(explicit string, local []net.Addr) (string, error) {
	all, err := c.addrs()
	if err != nil {
		return "", err
	}
	if explicit != "" {
		norm, err := cluster.NormalizeAddr(explicit, c.Port)
		if err != nil {
			return "", err
		}
		if !all[norm] {
			return "", fmt.Errorf("%w: %s is not configured", ErrNoLocalSite, norm)
		}
		return norm, nil
	}
	for _, sc := range c.SiteConfigs() {
		norm, err := cluster.NormalizeAddr(sc.Addr, c.Port)
		if err != nil {
			return "", err
		}
		host, _, _ := net.SplitHostPort(norm)
		ip := net.ParseIP(host)
		if ip == nil {
			continue
		}
		for _, a := range local {
			var lip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				lip = v.IP
			case *net.IPAddr:
				lip = v.IP
			}
			if lip != nil && lip.Equal(ip) {
				return norm, nil
			}
		}
	}
	return "", ErrNoLocalSite
}

// Options carries the timing settings into arbiter options.
func (c *Config) Options(opts arbiter.Options) arbiter.Options {
	opts.MaxSkew = time.Duration(c.MaxTimeSkew)
	opts.StartupGrace = time.Duration(c.StartupGrace)
	return opts
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	for _, e := range verrs {
		field := e.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		switch e.Tag() {
		case "required":
			return fmt.Errorf("%w: %s is required", ErrInvalid, field)
		case "min", "gte":
			return fmt.Errorf("%w: %s must be at least %s", ErrInvalid, field, e.Param())
		case "max":
			return fmt.Errorf("%w: %s must not exceed %s", ErrInvalid, field, e.Param())
		case "oneof":
			return fmt.Errorf("%w: %s must be one of [%s]", ErrInvalid, field, e.Param())
		default:
			return fmt.Errorf("%w: %s failed %s", ErrInvalid, field, e.Tag())
		}
	}
	return err
}
