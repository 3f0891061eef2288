// Package scene provides an in-memory engine adapter whose object graph is built in code or
// loaded from a YAML scene file. It backs the CLI demo mode and the test suites.
package scene

// Config is the root of a scene file.
type Config struct {
	Engine  string `yaml:"engine"`
	Version string `yaml:"version"`
	// Detected defaults to true.
	Detected *bool `yaml:"detected,omitempty"`
	// DetectAfterPolls makes Detect report false for the first N calls.
	DetectAfterPolls int                 `yaml:"detectAfterPolls,omitempty"`
	Aliases          map[string][]string `yaml:"aliases,omitempty"`
	Roots            []NodeSpec          `yaml:"roots"`
}

// NodeSpec describes one node. A spec with Ref points at another node by id instead of
// declaring a new one, which is how shared children and cycles are written.
type NodeSpec struct {
	ID       string         `yaml:"id,omitempty"`
	Ref      string         `yaml:"ref,omitempty"`
	Type     string         `yaml:"type,omitempty"`
	Props    map[string]any `yaml:"props,omitempty"`
	Children []NodeSpec     `yaml:"children,omitempty"`
	// Broken lists members whose reads fail.
	Broken []string `yaml:"broken,omitempty"`
	// BrokenChildren makes child enumeration fail.
	BrokenChildren bool `yaml:"brokenChildren,omitempty"`
}

// DefaultAliases are the shadow fields written alongside their public members.
func DefaultAliases() map[string][]string {
	return map[string][]string{
		"visible": {"$visible"},
	}
}

// DefaultConfig is the demo scene used when no scene file is found.
func DefaultConfig() *Config {
	return &Config{
		Engine:  "scene",
		Version: "1.0.0",
		Roots: []NodeSpec{
			{
				ID:   "stage",
				Type: "Stage",
				Props: map[string]any{
					"name": "stage", "x": 0, "y": 0, "width": 1280, "height": 720,
					"alpha": 1, "visible": true, "$visible": true, "backgroundColor": 0x1e1e1e,
				},
				Children: []NodeSpec{
					{
						ID:   "hud",
						Type: "DisplayObjectContainer",
						Props: map[string]any{
							"name": "hud", "x": 16, "y": 16, "alpha": 1, "visible": true, "$visible": true,
							"touchEnabled": false, "touchChildren": true,
						},
						Children: []NodeSpec{
							{
								ID:   "score",
								Type: "TextField",
								Props: map[string]any{
									"name": "score", "text": "0", "textColor": 0xffffff, "size": 24,
									"x": 0, "y": 0, "alpha": 1, "visible": true, "$visible": true,
								},
							},
						},
					},
					{
						ID:   "hero",
						Type: "Bitmap",
						Props: map[string]any{
							"name": "hero", "x": 320, "y": 240, "rotation": 0, "scaleX": 1, "scaleY": 1,
							"alpha": 1, "visible": true, "$visible": true, "anchor": map[string]any{"x": 0.5, "y": 0.5},
							"texture": map[string]any{"source": "hero.png", "width": 64, "height": 64},
						},
					},
				},
			},
		},
	}
}
