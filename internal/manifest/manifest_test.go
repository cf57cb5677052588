package manifest

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"testing/fstest"
)

const validSource = `{
  // generated by the build
  "productName": "Compass",
  "version": "0.4.1",
  "identifier": "ai.compass.desktop",
  "build": { "frontendDist": "dist" },
  "app": {
    "windows": [
      { "label": "main", "width": 1200, "height": 800, "resizable": true },
      { "label": "settings", "title": "Settings", "url": "settings.html" },
    ]
  }
}`

func TestParseValid(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(validSource))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if m.ProductName != "Compass" || m.Identifier != "ai.compass.desktop" {
		t.Errorf("unexpected identity: %+v", m)
	}
	if m.Build.FrontendDist != "dist" {
		t.Errorf("FrontendDist = %q", m.Build.FrontendDist)
	}
	if len(m.App.Windows) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(m.App.Windows))
	}

	main := m.App.Windows[0]
	if main.Title != "Compass" || main.URL != DefaultWindowURL {
		t.Errorf("defaults not applied to main window: %+v", main)
	}
	settings := m.App.Windows[1]
	if settings.Width != defaultWidth || settings.Height != defaultHeight {
		t.Errorf("default geometry not applied: %+v", settings)
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		source string
		want   string
	}{
		{name: "empty", source: "  ", want: "empty source"},
		{name: "syntax", source: `{"productName": `, want: "unreadable"},
		{
			name:   "missing windows",
			source: `{"productName":"C","version":"1.0.0","identifier":"a.b","app":{}}`,
			want:   "schema violation",
		},
		{
			name:   "empty windows",
			source: `{"productName":"C","version":"1.0.0","identifier":"a.b","app":{"windows":[]}}`,
			want:   "schema violation",
		},
		{
			name:   "bad identifier",
			source: `{"productName":"C","version":"1.0.0","identifier":"nodots","app":{"windows":[{"label":"main"}]}}`,
			want:   "schema violation",
		},
		{
			name:   "bad version",
			source: `{"productName":"C","version":"one","identifier":"a.b","app":{"windows":[{"label":"main"}]}}`,
			want:   "not semver",
		},
		{
			name:   "duplicate labels",
			source: `{"productName":"C","version":"1.0.0","identifier":"a.b","app":{"windows":[{"label":"main"},{"label":"main"}]}}`,
			want:   "duplicate window label",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, err := Parse([]byte(tt.source))
			if err == nil {
				t.Fatalf("expected error, got manifest %+v", m)
			}
			if !errors.Is(err, ErrInvalidManifest) {
				t.Errorf("error should wrap ErrInvalidManifest: %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParseReportsIssuePaths(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"productName":"C","version":"1.0.0","identifier":"a.b","app":{"windows":[{"label":"has space"}]}}`))

	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *InvalidError, got %T", err)
	}
	if len(invalid.Issues) == 0 {
		t.Fatal("expected at least one issue")
	}
	if invalid.Issues[0].Path != "/app/windows/0/label" {
		t.Errorf("issue path = %q", invalid.Issues[0].Path)
	}
}

func TestParseReportsFieldLevelIssues(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"version":"1.0.0","identifier":"a.b","app":{"windows":[{"label":"main","colour":"red"}]}}`))

	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *InvalidError, got %T", err)
	}

	want := []Issue{
		{Path: "/app/windows/0/colour", Keyword: "additionalProperties", Message: "is not a manifest field"},
		{Path: "/productName", Keyword: "required", Message: "is required"},
	}
	if !reflect.DeepEqual(invalid.Issues, want) {
		t.Errorf("issues = %+v, want %+v", invalid.Issues, want)
	}
	if !strings.Contains(err.Error(), "/productName: is required") {
		t.Errorf("error should name the missing field: %v", err)
	}
}

func TestContextConsumedOnce(t *testing.T) {
	t.Parallel()

	assets := fstest.MapFS{"ui/index.html": {Data: []byte("<html></html>")}}
	ctx := Generate([]byte(validSource), assets)

	src, fsys, err := ctx.Consume()
	if err != nil {
		t.Fatalf("first Consume: %v", err)
	}
	if string(src) != validSource || fsys == nil {
		t.Error("Consume returned unexpected values")
	}

	if _, _, err := ctx.Consume(); !errors.Is(err, ErrContextConsumed) {
		t.Errorf("second Consume error = %v, want ErrContextConsumed", err)
	}
}
