package swcache

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port        int    `yaml:"port"`
		Origin      string `yaml:"origin"`
		Mode        string `yaml:"mode"` // "reverse" or "forward"
		AdminPrefix string `yaml:"adminPrefix"`
	} `yaml:"server"`

	Worker struct {
		CacheName   string `yaml:"cacheName"`
		Version     string `yaml:"version"`
		Policy      string `yaml:"policy"`
		SkipWaiting *bool  `yaml:"skipWaiting"`
		WarmUp      string `yaml:"warmUp"`
		MaxEntry    string `yaml:"maxEntry"`
	} `yaml:"worker"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Precache struct {
		URLs     []string `yaml:"urls"`
		Sitemaps []string `yaml:"sitemaps"`
	} `yaml:"precache"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		Compress   bool   `yaml:"compress"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	Rules []Rule `yaml:"rules"`

	// compiled
	originURL   *url.URL
	policy      Policy
	warmUpDur   time.Duration
	maxEntry    int64
	skipWaiting bool
}

type Rule struct {
	Match      string `yaml:"match"`
	Priority   int    `yaml:"priority"`
	Bypass     bool   `yaml:"bypass"`
	Expiration string `yaml:"expiration"`
	Policy     string `yaml:"policy"`

	// compiled
	matchers []pathMatcher
	expDur   time.Duration
	policy   Policy
}

type pathMatcher interface {
	Match(path string) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

type pathSuffixMatcher struct{ Suffix string }

func (m pathSuffixMatcher) Match(path string) bool { return strings.HasSuffix(path, m.Suffix) }

// envOverrides lists the settings that can be overridden from the
// environment without touching the YAML file.
type envOverrides struct {
	Port        *int     `env:"SWCACHE_PORT"`
	Origin      *string  `env:"SWCACHE_ORIGIN"`
	Mode        *string  `env:"SWCACHE_MODE"`
	AdminPrefix *string  `env:"SWCACHE_ADMIN_PREFIX"`
	CacheName   *string  `env:"SWCACHE_CACHE_NAME"`
	Version     *string  `env:"SWCACHE_VERSION"`
	Policy      *string  `env:"SWCACHE_POLICY"`
	SkipWaiting *bool    `env:"SWCACHE_SKIP_WAITING"`
	WarmUp      *string  `env:"SWCACHE_WARM_UP"`
	MaxEntry    *string  `env:"SWCACHE_MAX_ENTRY"`
	StoragePath *string  `env:"SWCACHE_STORAGE_PATH"`
	Sitemaps    []string `env:"SWCACHE_SITEMAPS"`
	LogLevel    *string  `env:"SWCACHE_LOG_LEVEL"`
	LogFile     *string  `env:"SWCACHE_LOG_FILE"`
	StatsEvery  *string  `env:"SWCACHE_LOG_STATS_EVERY"`
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	setString := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	if o.Port != nil {
		cfg.Server.Port = *o.Port
	}
	setString(&cfg.Server.Origin, o.Origin)
	setString(&cfg.Server.Mode, o.Mode)
	setString(&cfg.Server.AdminPrefix, o.AdminPrefix)
	setString(&cfg.Worker.CacheName, o.CacheName)
	setString(&cfg.Worker.Version, o.Version)
	setString(&cfg.Worker.Policy, o.Policy)
	if o.SkipWaiting != nil {
		cfg.Worker.SkipWaiting = o.SkipWaiting
	}
	setString(&cfg.Worker.WarmUp, o.WarmUp)
	setString(&cfg.Worker.MaxEntry, o.MaxEntry)
	setString(&cfg.Storage.Path, o.StoragePath)
	if len(o.Sitemaps) > 0 {
		cfg.Precache.Sitemaps = o.Sitemaps
	}
	setString(&cfg.Logging.Level, o.LogLevel)
	setString(&cfg.Logging.File, o.LogFile)
	setString(&cfg.Logging.StatsEvery, o.StatsEvery)
	return nil
}

// defaultRules keeps score submission and leaderboards out of the cache.
func defaultRules() []Rule {
	return []Rule{{
		Match:  "PathSuffix(/api/leaderboard) | PathSuffix(/api/submit-score)",
		Bypass: true,
	}}
}

// LoadConfig reads a YAML file, applies SWCACHE_* environment overrides and
// validates the result.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port: invalid port %d", cfg.Server.Port)
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.origin: expected http(s)://host, got %q", cfg.Server.Origin)
	}
	cfg.originURL = u

	switch cfg.Server.Mode {
	case "":
		cfg.Server.Mode = "reverse"
	case "reverse", "forward":
	default:
		return fmt.Errorf("server.mode must be 'reverse' or 'forward', got %q", cfg.Server.Mode)
	}
	if cfg.Server.AdminPrefix == "" {
		cfg.Server.AdminPrefix = "/__sw"
	}
	cfg.Server.AdminPrefix = "/" + strings.Trim(cfg.Server.AdminPrefix, "/")

	if strings.TrimSpace(cfg.Worker.Version) == "" {
		return fmt.Errorf("worker.version is required")
	}
	p, err := ParsePolicy(cfg.Worker.Policy)
	if err != nil {
		return fmt.Errorf("worker.policy: %w", err)
	}
	cfg.policy = p

	cfg.skipWaiting = true
	if cfg.Worker.SkipWaiting != nil {
		cfg.skipWaiting = *cfg.Worker.SkipWaiting
	}

	if cfg.Worker.WarmUp != "" {
		d, err := time.ParseDuration(cfg.Worker.WarmUp)
		if err != nil {
			return fmt.Errorf("worker.warmUp: %w", err)
		}
		cfg.warmUpDur = d
	}

	if cfg.Worker.MaxEntry == "" {
		cfg.Worker.MaxEntry = "10mb"
	}
	maxEntry, err := parseBytes(cfg.Worker.MaxEntry)
	if err != nil {
		return fmt.Errorf("worker.maxEntry: %w", err)
	}
	cfg.maxEntry = maxEntry

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 10
	}
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}

	for i, raw := range cfg.Precache.URLs {
		if !strings.HasPrefix(strings.TrimSpace(raw), "/") {
			return fmt.Errorf("precache.urls[%d]: expected origin-relative path, got %q", i, raw)
		}
		cfg.Precache.URLs[i] = strings.TrimSpace(raw)
	}

	if len(cfg.Rules) == 0 {
		cfg.Rules = defaultRules()
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if err := r.compile(); err != nil {
			return fmt.Errorf("rules[%d].%w", i, err)
		}
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	return nil
}

func (r *Rule) compile() error {
	ms, err := parseMatch(r.Match)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	r.matchers = ms
	if r.Expiration != "" {
		d, err := time.ParseDuration(r.Expiration)
		if err != nil {
			return fmt.Errorf("expiration: %w", err)
		}
		r.expDur = d
	}
	if r.Policy != "" {
		p, err := ParsePolicy(r.Policy)
		if err != nil {
			return fmt.Errorf("policy: %w", err)
		}
		r.policy = p
	}
	return nil
}

// Generation returns the cache generation name owned by the configured
// worker version.
func (cfg Config) Generation() string {
	return GenerationName(cfg.Worker.CacheName, cfg.Worker.Version)
}

func (cfg Config) Policy() Policy { return cfg.policy }

func (cfg Config) OriginURL() *url.URL { return cfg.originURL }

func parseMatch(expr string) ([]pathMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		var kind string
		switch {
		case strings.HasPrefix(p, "PathPrefix("):
			kind = "PathPrefix"
		case strings.HasPrefix(p, "PathSuffix("):
			kind = "PathSuffix"
		default:
			return nil, fmt.Errorf("only PathPrefix(...) and PathSuffix(...) supported, got %q", p)
		}
		if !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("unterminated %s in %q", kind, p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, kind+"("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid path %q", inside)
		}
		if kind == "PathPrefix" {
			out = append(out, pathPrefixMatcher{Prefix: inside})
		} else {
			out = append(out, pathSuffixMatcher{Suffix: inside})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func pickRule(rules []Rule, path string) *Rule {
	for i := range rules {
		r := &rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}
