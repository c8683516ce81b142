package mirror

import (
	"errors"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultManifestPath = "/updates.xml"
	defaultPrefix       = "/crx-repo"
	defaultBase         = "http://localhost:8888"
	defaultInterval     = 10800 // seconds
	defaultProdVersion  = "128.0"
	defaultCacheDir     = "cache"

	defaultTCPAddress = "127.0.0.1"
	defaultTCPPort    = 8888

	defaultUnixPermission = 0o666
)

// ExtensionConfig configures one tracked extension. Proxy, Interval and
// ProdVersion override the global settings when non-zero.
type ExtensionConfig struct {
	ID          string `toml:"extension-id"`
	Provider    string `toml:"extension-provider"`
	Proxy       string `toml:"proxy"`
	Interval    int64  `toml:"interval"`
	ProdVersion string `toml:"version"`
}

// ExtensionList is the list of tracked extensions. It accepts both the
// table form
//
//	[[extensions]]
//	extension-id = "..."
//
// and the legacy plain form
//
//	extensions = ["...", "..."]
type ExtensionList []ExtensionConfig

// UnmarshalTOML implements toml.Unmarshaler.
func (l *ExtensionList) UnmarshalTOML(v interface{}) error {
	var items []interface{}
	switch value := v.(type) {
	case []interface{}:
		items = value
	case []map[string]interface{}:
		// Arrays of tables arrive in this shape.
		for _, table := range value {
			items = append(items, table)
		}
	default:
		return errors.New("extensions must be an array")
	}

	exts := make([]ExtensionConfig, 0, len(items))
	for _, item := range items {
		switch value := item.(type) {
		case string:
			exts = append(exts, ExtensionConfig{ID: value})
		case map[string]interface{}:
			ext, err := decodeExtensionTable(value)
			if err != nil {
				return err
			}
			exts = append(exts, ext)
		default:
			return errors.New("extensions entries must be strings or tables")
		}
	}
	*l = exts
	return nil
}

func decodeExtensionTable(table map[string]interface{}) (ExtensionConfig, error) {
	var ext ExtensionConfig
	for key, value := range table {
		switch key {
		case "extension-id":
			s, ok := value.(string)
			if !ok {
				return ext, errors.New("extension-id must be a string")
			}
			ext.ID = s
		case "extension-provider":
			s, ok := value.(string)
			if !ok {
				return ext, errors.New("extension-provider must be a string")
			}
			ext.Provider = s
		case "proxy":
			s, ok := value.(string)
			if !ok {
				return ext, errors.New("extension proxy must be a string")
			}
			ext.Proxy = s
		case "interval":
			n, ok := value.(int64)
			if !ok {
				return ext, errors.New("extension interval must be an integer")
			}
			ext.Interval = n
		case "version":
			s, ok := value.(string)
			if !ok {
				return ext, errors.New("extension version must be a string")
			}
			ext.ProdVersion = s
		default:
			return ext, errors.New("unknown extension key: " + key)
		}
	}
	return ext, nil
}

// UndecodedKeys returns the configuration keys the decoder did not
// recognize. Keys inside the extensions list are dropped: its custom
// decoder consumes them without updating the TOML metadata, and
// genuinely unknown extension keys already fail decoding.
func UndecodedKeys(md toml.MetaData) []toml.Key {
	var keys []toml.Key
	for _, key := range md.Undecoded() {
		if len(key) > 0 && key[0] == "extensions" {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// TCPListenConfig configures the TCP listener.
type TCPListenConfig struct {
	Address string     `toml:"address"`
	Port    int        `toml:"port"`
	TLS     *TLSConfig `toml:"tls"`
}

// Addr returns the host:port to bind, with defaults applied.
func (t *TCPListenConfig) Addr() string {
	address := t.Address
	if address == "" {
		address = defaultTCPAddress
	}
	port := t.Port
	if port == 0 {
		port = defaultTCPPort
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// UnixListenConfig configures the Unix socket listener.
type UnixListenConfig struct {
	Path       string     `toml:"path"`
	Permission string     `toml:"permission"`
	TLS        *TLSConfig `toml:"tls"`
}

// FileMode parses the octal permission string, defaulting to 0666.
func (u *UnixListenConfig) FileMode() (os.FileMode, error) {
	if u.Permission == "" {
		return defaultUnixPermission, nil
	}
	mode, err := strconv.ParseUint(u.Permission, 8, 32)
	if err != nil {
		return 0, errors.New("invalid unix socket permission: " + u.Permission)
	}
	return os.FileMode(mode), nil
}

// ListenConfig names the listen targets. At least one must be set.
type ListenConfig struct {
	TCP  *TCPListenConfig  `toml:"tcp"`
	Unix *UnixListenConfig `toml:"unix"`
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	ManifestPath string        `toml:"manifest-path"`
	Prefix       string        `toml:"prefix"`
	Base         string        `toml:"base"`
	Proxy        string        `toml:"proxy"`
	Interval     int64         `toml:"interval"`
	ProdVersion  string        `toml:"version"`
	CacheDir     string        `toml:"cache-dir"`
	Log          LogConfig     `toml:"log"`
	Listen       ListenConfig  `toml:"listen"`
	Extensions   ExtensionList `toml:"extensions"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		ManifestPath: defaultManifestPath,
		Prefix:       defaultPrefix,
		Base:         defaultBase,
		Interval:     defaultInterval,
		ProdVersion:  defaultProdVersion,
		CacheDir:     defaultCacheDir,
	}
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.CacheDir == "" {
		return errors.New("cache-dir is not set")
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}

	parsed, err := url.Parse(c.Base)
	if err != nil {
		return errors.New("invalid base URL: " + err.Error())
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return errors.New("unsupported base URL scheme: " + parsed.Scheme)
	}

	if c.Proxy != "" {
		if _, err := url.Parse(c.Proxy); err != nil {
			return errors.New("invalid proxy URL: " + err.Error())
		}
	}

	for _, ext := range c.Extensions {
		if len(ext.ID) != 32 {
			return errors.New("invalid extension-id: " + ext.ID)
		}
		switch ext.Provider {
		case "", chromeProviderName:
		default:
			return errors.New("unknown extension-provider: " + ext.Provider)
		}
		if ext.Proxy != "" {
			if _, err := url.Parse(ext.Proxy); err != nil {
				return errors.New("invalid proxy URL for " + ext.ID + ": " + err.Error())
			}
		}
		if ext.Interval < 0 {
			return errors.New("negative interval for " + ext.ID)
		}
	}

	if c.Listen.TCP == nil && c.Listen.Unix == nil {
		return errors.New("no listen target configured")
	}
	if c.Listen.TCP != nil && c.Listen.TCP.TLS != nil {
		if err := c.Listen.TCP.TLS.Check(); err != nil {
			return err
		}
	}
	if c.Listen.Unix != nil {
		if c.Listen.Unix.Path == "" {
			return errors.New("unix socket path is not set")
		}
		if _, err := c.Listen.Unix.FileMode(); err != nil {
			return err
		}
		if c.Listen.Unix.TLS != nil {
			if err := c.Listen.Unix.TLS.Check(); err != nil {
				return err
			}
		}
	}

	return nil
}

// BaseURL returns the external base URL without a trailing slash.
func (c *Config) BaseURL() string {
	return strings.TrimRight(c.Base, "/")
}

// PrefixPath returns the package route prefix with a leading slash.
func (c *Config) PrefixPath() string {
	return leadingSlash(c.Prefix)
}

// ManifestRoute returns the manifest path with a leading slash.
func (c *Config) ManifestRoute() string {
	return leadingSlash(c.ManifestPath)
}

func leadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// ExtensionInterval returns the poll interval for one extension,
// falling back to the global setting.
func (c *Config) ExtensionInterval(ext ExtensionConfig) time.Duration {
	seconds := c.Interval
	if ext.Interval > 0 {
		seconds = ext.Interval
	}
	return time.Duration(seconds) * time.Second
}

// ExtensionProxy returns the proxy URL for one extension, or nil when
// none is configured.
func (c *Config) ExtensionProxy(ext ExtensionConfig) (*url.URL, error) {
	raw := c.Proxy
	if ext.Proxy != "" {
		raw = ext.Proxy
	}
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

// ExtensionProdVersion returns the browser version reported upstream
// for one extension.
func (c *Config) ExtensionProdVersion(ext ExtensionConfig) string {
	if ext.ProdVersion != "" {
		return ext.ProdVersion
	}
	return c.ProdVersion
}
