package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/cockroachdb/errors"

	"github.com/crx-repo/crx-repo/internal/omaha"
)

const (
	chromeProviderName = "chrome"
	chromeStoreURL     = "https://clients2.google.com/service/update2/crx"
)

// UpdateCandidate is a provider's answer to "what is the newest
// version": where to get it and, when the store discloses them, the
// expected size, content hash, and minimum browser version.
type UpdateCandidate struct {
	Version           string
	URL               string
	Size              int64
	SHA256            string
	MinProductVersion string
}

// Provider asks one upstream store whether a newer version of a single
// extension exists.
//
// current is the newest locally cached version, or an empty string when
// nothing is cached yet. A nil candidate with a nil error means the
// store has nothing newer.
type Provider interface {
	CheckUpdate(ctx context.Context, current string) (*UpdateCandidate, error)
}

// NewProvider builds the upstream client for one tracked extension.
// The HTTP client carries any per-extension proxy configuration.
func NewProvider(config *Config, ext ExtensionConfig, client *http.Client) (Provider, error) {
	switch ext.Provider {
	case "", chromeProviderName:
		return NewChromeProvider(ext.ID, config.ExtensionProdVersion(ext), client), nil
	default:
		return nil, errors.New("unknown extension provider: " + ext.Provider)
	}
}

// ChromeProvider checks the Chrome Web Store update endpoint.
type ChromeProvider struct {
	id          string
	prodVersion string
	storeURL    string
	client      *http.Client
}

// NewChromeProvider returns a provider for one extension id,
// announcing prodVersion as the requesting browser version.
func NewChromeProvider(id, prodVersion string, client *http.Client) *ChromeProvider {
	return &ChromeProvider{
		id:          id,
		prodVersion: prodVersion,
		storeURL:    chromeStoreURL,
		client:      client,
	}
}

// CheckUpdate implements Provider against the Chrome Web Store.
func (p *ChromeProvider) CheckUpdate(ctx context.Context, current string) (*UpdateCandidate, error) {
	// The store expects the extension id wrapped in a form-encoded "x"
	// sub-parameter with a bare "uc" flag appended.
	query := url.Values{}
	query.Set("response", "updatecheck")
	query.Set("acceptformat", "crx2,crx3")
	query.Set("prodversion", p.prodVersion)
	query.Set("x", url.Values{"id": {p.id}}.Encode()+"&uc")

	reqURL := p.storeURL + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build update-check request")
	}

	slog.Debug("checking for updates", "extension", p.id, "current", current)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "update check")
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update check for %s: status %d", p.id, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read update response")
	}
	g, err := omaha.ParseResponse(body)
	if err != nil {
		return nil, err
	}

	return p.selectCandidate(g, current), nil
}

// selectCandidate picks the offer to download: with a known current
// version the first strictly newer entry, otherwise the first entry for
// the extension. Entries for other app ids are ignored.
func (p *ChromeProvider) selectCandidate(g *omaha.GUpdate, current string) *UpdateCandidate {
	for _, app := range g.Apps {
		if app.AppID != p.id {
			continue
		}
		for _, uc := range app.UpdateChecks {
			if current != "" && omaha.CompareVersions(uc.Version, current) != omaha.GreaterThan {
				continue
			}
			return &UpdateCandidate{
				Version:           uc.Version,
				URL:               uc.Codebase,
				Size:              uc.Size,
				SHA256:            uc.HashSHA256,
				MinProductVersion: uc.ProdVersionMin,
			}
		}
	}
	return nil
}
