package keys

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the keybindings for the sync monitor.
type KeyMap struct {
	// Simulate app backgrounding to watch the passive cadence.
	Background key.Binding

	// Force an immediate producer pass.
	Refresh key.Binding

	Quit key.Binding
}

// DefaultKeyMap returns the default set of keybindings.
func DefaultKeyMap() *KeyMap {
	return &KeyMap{
		Background: key.NewBinding(
			key.WithKeys("b"),
			key.WithHelp("b", "toggle background"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp returns the bindings for the monitor's help line.
func (k *KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Background, k.Refresh, k.Quit}
}
