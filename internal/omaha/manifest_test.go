package omaha

import (
	"encoding/xml"
	"strings"
	"testing"
)

const storeResponse = `<?xml version="1.0" encoding="UTF-8"?>
<gupdate xmlns="http://www.google.com/update2/response" protocol="2.0" server="prod">
  <daystart elapsed_days="6838" elapsed_seconds="41739"/>
  <app appid="gighmmpiobklfepjocnamgkkbiglidom" status="ok">
    <updatecheck status="ok" codebase="https://clients2.googleusercontent.com/crx/blobs/adblock.crx" hash_sha256="0f32e76929ad6c8f937a9e24ad31b0e55711f6fdb0b3370cbc89ebc08a56eac0" size="12345" version="6.0.2"/>
  </app>
</gupdate>`

func TestParseResponse(t *testing.T) {
	t.Parallel()

	// The store decorates responses with elements and attributes this
	// package does not model; they must not break parsing.
	g, err := ParseResponse([]byte(storeResponse))
	if err != nil {
		t.Fatal(err)
	}

	if len(g.Apps) != 1 {
		t.Fatalf("expected 1 app, got %d", len(g.Apps))
	}
	app := g.Apps[0]
	if app.AppID != "gighmmpiobklfepjocnamgkkbiglidom" {
		t.Error("unexpected appid:", app.AppID)
	}
	if app.Status != StatusOK {
		t.Error("unexpected status:", app.Status)
	}
	if len(app.UpdateChecks) != 1 {
		t.Fatalf("expected 1 updatecheck, got %d", len(app.UpdateChecks))
	}

	uc := app.UpdateChecks[0]
	if uc.Version != "6.0.2" {
		t.Error("unexpected version:", uc.Version)
	}
	if uc.Size != 12345 {
		t.Error("unexpected size:", uc.Size)
	}
	if uc.Codebase != "https://clients2.googleusercontent.com/crx/blobs/adblock.crx" {
		t.Error("unexpected codebase:", uc.Codebase)
	}
	if uc.HashSHA256 != "0f32e76929ad6c8f937a9e24ad31b0e55711f6fdb0b3370cbc89ebc08a56eac0" {
		t.Error("unexpected hash:", uc.HashSHA256)
	}
}

func TestParseResponseRejectsInvalid(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		body string
	}{
		{
			"wrong protocol",
			`<gupdate xmlns="http://www.google.com/update2/response" protocol="3.0"></gupdate>`,
		},
		{
			"updatecheck without codebase",
			`<gupdate protocol="2.0"><app appid="a" status="ok"><updatecheck status="noupdate"/></app></gupdate>`,
		},
		{
			"updatecheck without version",
			`<gupdate protocol="2.0"><app appid="a" status="ok"><updatecheck codebase="https://example.com/a.crx"/></app></gupdate>`,
		},
		{
			"app without appid",
			`<gupdate protocol="2.0"><app status="ok"/></gupdate>`,
		},
		{
			"malformed xml",
			`<gupdate protocol="2.0">`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseResponse([]byte(tc.body)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestMarshalOmitsEmptyAttributes(t *testing.T) {
	t.Parallel()

	g := NewResponse()
	app := g.App("aaaabbbbccccddddeeeeffffgggghhhh")
	app.AddCheck(UpdateCheck{
		Codebase: "http://localhost:8888/crx-repo/aaaabbbbccccddddeeeeffffgggghhhh/1.0.crx",
		Version:  "1.0",
	})

	out, err := g.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)

	if !strings.HasPrefix(s, xml.Header) {
		t.Error("missing XML declaration")
	}
	if !strings.Contains(s, `xmlns="http://www.google.com/update2/response"`) {
		t.Error("missing namespace declaration")
	}
	if !strings.Contains(s, `protocol="2.0"`) {
		t.Error("missing protocol attribute")
	}
	for _, attr := range []string{"hash_sha256", "size", "prodversionmin"} {
		if strings.Contains(s, attr) {
			t.Errorf("empty attribute %s should be omitted:\n%s", attr, s)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	t.Parallel()

	g := NewResponse()
	app := g.App("aaaabbbbccccddddeeeeffffgggghhhh")
	app.AddCheck(UpdateCheck{
		Codebase:       "http://localhost:8888/crx-repo/aaaabbbbccccddddeeeeffffgggghhhh/1.0.crx",
		HashSHA256:     "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Size:           4,
		Version:        "1.0",
		ProdVersionMin: "120.0",
	})

	out, err := g.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseResponse(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.Apps) != 1 || len(parsed.Apps[0].UpdateChecks) != 1 {
		t.Fatalf("unexpected document shape: %+v", parsed)
	}
	if parsed.Apps[0].UpdateChecks[0] != app.UpdateChecks[0] {
		t.Errorf("round trip changed the updatecheck: %+v", parsed.Apps[0].UpdateChecks[0])
	}
}

func TestAppReusesEntries(t *testing.T) {
	t.Parallel()

	g := NewResponse()
	first := g.App("aaaabbbbccccddddeeeeffffgggghhhh")
	first.AddCheck(UpdateCheck{Codebase: "http://example.com/1.0.crx", Version: "1.0"})

	second := g.App("aaaabbbbccccddddeeeeffffgggghhhh")
	second.AddCheck(UpdateCheck{Codebase: "http://example.com/1.0.crx", Version: "1.0"})
	second.AddCheck(UpdateCheck{Codebase: "http://example.com/2.0.crx", Version: "2.0"})

	if len(g.Apps) != 1 {
		t.Fatalf("expected a single app entry, got %d", len(g.Apps))
	}
	if len(g.Apps[0].UpdateChecks) != 2 {
		t.Errorf("expected identical checks to be deduplicated, got %d", len(g.Apps[0].UpdateChecks))
	}
}
