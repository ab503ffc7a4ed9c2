package satellite

import "strings"

// Capabilities is the feature set negotiated with the control surface
// server via ADD-DEVICE tokens.
type Capabilities struct {
	APIVersion    string `json:"apiVersion"`
	Variables     bool   `json:"variables"`
	Rotation      bool   `json:"rotation"`
	VariableWrite bool   `json:"variableWrite"`
	KeyImages     bool   `json:"keyImages"`
}

// DefaultCapabilities is the assumption made before the server
// announces itself: variables readable, nothing else.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		APIVersion: "1.0.0",
		Variables:  true,
	}
}

// overlay applies announced capability tokens on top of c. Unknown
// tokens are ignored.
func (c Capabilities) overlay(tokens []string) Capabilities {
	for _, tok := range tokens {
		switch {
		case strings.HasPrefix(tok, "API:"):
			c.APIVersion = strings.TrimPrefix(tok, "API:")
		case tok == "VARIABLES":
			c.Variables = true
		case tok == "ROTATION":
			c.Rotation = true
		case tok == "VARIABLE_WRITE":
			c.VariableWrite = true
		case tok == "KEY_IMAGES":
			c.KeyImages = true
		}
	}
	return c
}

// asValue renders the capabilities as a state value.
func (c Capabilities) asValue() map[string]any {
	return map[string]any{
		"apiVersion":    c.APIVersion,
		"variables":     c.Variables,
		"rotation":      c.Rotation,
		"variableWrite": c.VariableWrite,
		"keyImages":     c.KeyImages,
	}
}
