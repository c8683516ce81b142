package mirror

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
)

func decodeConfigText(t *testing.T, text string) *Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		t.Fatal(err)
	}
	c := NewConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestConfigExample(t *testing.T) {
	t.Parallel()

	c := NewConfig()
	configPath := filepath.Join("..", "..", "examples", "crx-repo.toml")
	md, err := toml.DecodeFile(configPath, c)
	if err != nil {
		t.Fatal(err)
	}

	if undecoded := UndecodedKeys(md); len(undecoded) > 0 {
		t.Errorf("undecoded keys: %#v", undecoded)
	}

	if c.ManifestPath != "/updates.xml" {
		t.Errorf(`c.ManifestPath = %q, want "/updates.xml"`, c.ManifestPath)
	}
	if c.Prefix != "/crx-repo" {
		t.Errorf(`c.Prefix = %q, want "/crx-repo"`, c.Prefix)
	}
	if c.Base != "http://localhost:8888" {
		t.Errorf(`c.Base = %q, want "http://localhost:8888"`, c.Base)
	}
	if c.Interval != 10800 {
		t.Errorf(`c.Interval = %d, want 10800`, c.Interval)
	}
	if c.ProdVersion != "128.0" {
		t.Errorf(`c.ProdVersion = %q, want "128.0"`, c.ProdVersion)
	}
	if c.CacheDir != "cache" {
		t.Errorf(`c.CacheDir = %q, want "cache"`, c.CacheDir)
	}
	if c.Log.Level != "info" {
		t.Errorf(`c.Log.Level = %q, want "info"`, c.Log.Level)
	}
	if c.Log.Format != "plain" {
		t.Errorf(`c.Log.Format = %q, want "plain"`, c.Log.Format)
	}

	if c.Listen.TCP == nil {
		t.Fatal("c.Listen.TCP = nil, want a TCP listener")
	}
	if got := c.Listen.TCP.Addr(); got != "127.0.0.1:8888" {
		t.Errorf(`c.Listen.TCP.Addr() = %q, want "127.0.0.1:8888"`, got)
	}
	if c.Listen.Unix != nil {
		t.Errorf("c.Listen.Unix = %+v, want nil", c.Listen.Unix)
	}

	if len(c.Extensions) != 2 {
		t.Fatalf("c.Extensions = %v, want 2 entries", c.Extensions)
	}
	first := c.Extensions[0]
	if first.ID != "cjpalhdlnbpafiamejdnhcphjbkeiagm" || first.Provider != "" {
		t.Errorf("first extension = %+v", first)
	}
	second := c.Extensions[1]
	if second.ID != "gighmmpiobklfepjocnamgkkbiglidom" || second.Provider != "chrome" || second.Interval != 3600 {
		t.Errorf("second extension = %+v", second)
	}

	if err := c.Check(); err != nil {
		t.Errorf("the example config must validate, got %v", err)
	}
}

func TestConfigLegacyExtensionList(t *testing.T) {
	t.Parallel()

	c := decodeConfigText(t, `
extensions = ["cjpalhdlnbpafiamejdnhcphjbkeiagm", "gighmmpiobklfepjocnamgkkbiglidom"]

[listen.tcp]
`)
	if len(c.Extensions) != 2 {
		t.Fatalf("c.Extensions = %v, want 2 entries", c.Extensions)
	}
	if c.Extensions[0].ID != "cjpalhdlnbpafiamejdnhcphjbkeiagm" {
		t.Errorf("first extension = %+v", c.Extensions[0])
	}
	if c.Extensions[1].Provider != "" || c.Extensions[1].Interval != 0 {
		t.Errorf("legacy entries must carry no overrides, got %+v", c.Extensions[1])
	}
	if err := c.Check(); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
}

func TestUndecodedKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	text := `
bogus-key = 1

[listen.tcp]

[[extensions]]
extension-id = "cjpalhdlnbpafiamejdnhcphjbkeiagm"
interval = 3600
`
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		t.Fatal(err)
	}
	md, err := toml.DecodeFile(path, NewConfig())
	if err != nil {
		t.Fatal(err)
	}

	keys := UndecodedKeys(md)
	if len(keys) != 1 || keys[0].String() != "bogus-key" {
		t.Errorf(`UndecodedKeys = %#v, want only "bogus-key"`, keys)
	}
}

func TestConfigUnknownExtensionKey(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	text := `
[listen.tcp]

[[extensions]]
extension-id = "cjpalhdlnbpafiamejdnhcphjbkeiagm"
extention-provider = "chrome"
`
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := toml.DecodeFile(path, NewConfig())
	if err == nil || !strings.Contains(err.Error(), "unknown extension key") {
		t.Errorf("err = %v, want an unknown extension key error", err)
	}
}

func TestConfigCheck(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		c := NewConfig()
		c.Listen.TCP = &TCPListenConfig{}
		c.Extensions = ExtensionList{{ID: testExtensionID}}
		return c
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:   "no cache dir",
			mutate: func(c *Config) { c.CacheDir = "" },
			errMsg: "cache-dir is not set",
		},
		{
			name:   "zero interval",
			mutate: func(c *Config) { c.Interval = 0 },
			errMsg: "interval must be positive",
		},
		{
			name:   "bad base scheme",
			mutate: func(c *Config) { c.Base = "ftp://example.com" },
			errMsg: "unsupported base URL scheme",
		},
		{
			name:   "short extension id",
			mutate: func(c *Config) { c.Extensions[0].ID = "short" },
			errMsg: "invalid extension-id",
		},
		{
			name:   "unknown provider",
			mutate: func(c *Config) { c.Extensions[0].Provider = "firefox" },
			errMsg: "unknown extension-provider",
		},
		{
			name:   "negative extension interval",
			mutate: func(c *Config) { c.Extensions[0].Interval = -1 },
			errMsg: "negative interval",
		},
		{
			name:   "no listen target",
			mutate: func(c *Config) { c.Listen.TCP = nil },
			errMsg: "no listen target configured",
		},
		{
			name:   "unix without path",
			mutate: func(c *Config) { c.Listen.Unix = &UnixListenConfig{} },
			errMsg: "unix socket path is not set",
		},
		{
			name: "bad unix permission",
			mutate: func(c *Config) {
				c.Listen.Unix = &UnixListenConfig{Path: "/run/crx-repo.socket", Permission: "worldwritable"}
			},
			errMsg: "invalid unix socket permission",
		},
		{
			name: "tls missing key",
			mutate: func(c *Config) {
				c.Listen.TCP.TLS = &TLSConfig{CertFile: "/etc/crx-repo/crx-repo.crt"}
			},
			errMsg: "tls requires both cert and key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := valid()
			tt.mutate(c)
			err := c.Check()
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("Check() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Check() = %v, want error containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestConfigNormalization(t *testing.T) {
	t.Parallel()

	c := NewConfig()
	c.Base = "https://mirror.example.com:8443/"
	c.Prefix = "crx"
	c.ManifestPath = "updates.xml"

	if got := c.BaseURL(); got != "https://mirror.example.com:8443" {
		t.Errorf(`c.BaseURL() = %q, want "https://mirror.example.com:8443"`, got)
	}
	if got := c.PrefixPath(); got != "/crx" {
		t.Errorf(`c.PrefixPath() = %q, want "/crx"`, got)
	}
	if got := c.ManifestRoute(); got != "/updates.xml" {
		t.Errorf(`c.ManifestRoute() = %q, want "/updates.xml"`, got)
	}
}

func TestConfigExtensionOverrides(t *testing.T) {
	t.Parallel()

	c := NewConfig()
	c.Proxy = "http://global-proxy:3128"

	plain := ExtensionConfig{ID: testExtensionID}
	if got := c.ExtensionInterval(plain); got != 10800*time.Second {
		t.Errorf("ExtensionInterval = %v, want 3h0m0s", got)
	}
	if got := c.ExtensionProdVersion(plain); got != "128.0" {
		t.Errorf(`ExtensionProdVersion = %q, want "128.0"`, got)
	}
	proxy, err := c.ExtensionProxy(plain)
	if err != nil {
		t.Fatal(err)
	}
	if proxy == nil || proxy.Host != "global-proxy:3128" {
		t.Errorf("ExtensionProxy = %v, want the global proxy", proxy)
	}

	tuned := ExtensionConfig{
		ID:          testExtensionID,
		Proxy:       "http://local-proxy:8080",
		Interval:    60,
		ProdVersion: "131.0",
	}
	if got := c.ExtensionInterval(tuned); got != time.Minute {
		t.Errorf("ExtensionInterval = %v, want 1m0s", got)
	}
	if got := c.ExtensionProdVersion(tuned); got != "131.0" {
		t.Errorf(`ExtensionProdVersion = %q, want "131.0"`, got)
	}
	proxy, err = c.ExtensionProxy(tuned)
	if err != nil {
		t.Fatal(err)
	}
	if proxy == nil || proxy.Host != "local-proxy:8080" {
		t.Errorf("ExtensionProxy = %v, want the per-extension proxy", proxy)
	}

	c.Proxy = ""
	proxy, err = c.ExtensionProxy(plain)
	if err != nil {
		t.Fatal(err)
	}
	if proxy != nil {
		t.Errorf("ExtensionProxy = %v, want nil without configuration", proxy)
	}
}

func TestTCPListenConfigAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config TCPListenConfig
		want   string
	}{
		{"defaults", TCPListenConfig{}, "127.0.0.1:8888"},
		{"custom", TCPListenConfig{Address: "0.0.0.0", Port: 9000}, "0.0.0.0:9000"},
		{"ipv6", TCPListenConfig{Address: "::1"}, "[::1]:8888"},
	}
	for _, tt := range tests {
		if got := tt.config.Addr(); got != tt.want {
			t.Errorf("%s: Addr() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestUnixListenConfigFileMode(t *testing.T) {
	t.Parallel()

	u := UnixListenConfig{}
	mode, err := u.FileMode()
	if err != nil {
		t.Fatal(err)
	}
	if mode != 0o666 {
		t.Errorf("default mode = %o, want 666", mode)
	}

	u.Permission = "600"
	mode, err = u.FileMode()
	if err != nil {
		t.Fatal(err)
	}
	if mode != 0o600 {
		t.Errorf("mode = %o, want 600", mode)
	}

	u.Permission = "abc"
	if _, err := u.FileMode(); err == nil {
		t.Error("expected an error for a non-octal permission")
	}
}
