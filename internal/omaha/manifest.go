// Package omaha models the Omaha update-check protocol spoken by
// Chromium-based browsers: the XML manifest served to update clients,
// the responses returned by upstream extension stores, and the version
// ordering both sides agree on.
package omaha

import (
	"encoding/xml"

	"github.com/cockroachdb/errors"
)

const (
	// ResponseNamespace is the XML namespace of update-check responses.
	ResponseNamespace = "http://www.google.com/update2/response"

	// Protocol is the protocol revision this package understands.
	Protocol = "2.0"

	// StatusOK marks an app entry that resolved successfully.
	StatusOK = "ok"
)

// UpdateCheck is a single downloadable package offer.
// Optional attributes are omitted from the output when empty.
type UpdateCheck struct {
	Codebase       string `xml:"codebase,attr"`
	HashSHA256     string `xml:"hash_sha256,attr,omitempty"`
	Size           int64  `xml:"size,attr,omitempty"`
	Version        string `xml:"version,attr"`
	ProdVersionMin string `xml:"prodversionmin,attr,omitempty"`
}

// App collects the update checks for one extension id.
type App struct {
	AppID        string        `xml:"appid,attr"`
	Status       string        `xml:"status,attr"`
	UpdateChecks []UpdateCheck `xml:"updatecheck"`
}

// AddCheck appends uc unless an identical offer is already present.
func (a *App) AddCheck(uc UpdateCheck) {
	for _, existing := range a.UpdateChecks {
		if existing == uc {
			return
		}
	}
	a.UpdateChecks = append(a.UpdateChecks, uc)
}

// GUpdate is the root element of an update-check document.
type GUpdate struct {
	XMLName  xml.Name `xml:"gupdate"`
	XMLNS    string   `xml:"xmlns,attr"`
	Protocol string   `xml:"protocol,attr"`
	Apps     []App    `xml:"app"`
}

// NewResponse returns an empty document with the namespace and protocol
// revision filled in.
func NewResponse() *GUpdate {
	return &GUpdate{
		XMLNS:    ResponseNamespace,
		Protocol: Protocol,
	}
}

// App returns the entry for id, appending a new one with status "ok" if
// none exists yet. The returned pointer is valid until the next call.
func (g *GUpdate) App(id string) *App {
	for i := range g.Apps {
		if g.Apps[i].AppID == id {
			return &g.Apps[i]
		}
	}
	g.Apps = append(g.Apps, App{AppID: id, Status: StatusOK})
	return &g.Apps[len(g.Apps)-1]
}

// Validate checks that the document carries the attributes the protocol
// requires. Responses from upstream stores must pass before any field
// is trusted.
func (g *GUpdate) Validate() error {
	if g.Protocol != Protocol {
		return errors.New("unsupported update protocol: " + g.Protocol)
	}
	for _, app := range g.Apps {
		if app.AppID == "" {
			return errors.New("app element without appid")
		}
		for _, uc := range app.UpdateChecks {
			if uc.Codebase == "" {
				return errors.New("updatecheck without codebase for app " + app.AppID)
			}
			if uc.Version == "" {
				return errors.New("updatecheck without version for app " + app.AppID)
			}
		}
	}
	return nil
}

// ParseResponse decodes and validates an update-check document.
func ParseResponse(data []byte) (*GUpdate, error) {
	var g GUpdate
	if err := xml.Unmarshal(data, &g); err != nil {
		return nil, errors.Wrap(err, "parse update response")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Marshal serializes the document with an XML declaration.
func (g *GUpdate) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(g, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal update response")
	}

	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}
