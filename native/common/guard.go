package common

import "errors"

// ErrModulePaused is returned when an operator switch has a module disabled.
var ErrModulePaused = errors.New("module paused")

// PauseView reports operator pause switches by module name.
type PauseView interface {
	IsPaused(module string) bool
}

// StaticPauses is a fixed PauseView, typically loaded from configuration.
type StaticPauses map[string]bool

func (s StaticPauses) IsPaused(module string) bool { return s[module] }

// Guard rejects the call when the named module is paused. A nil view or an
// empty module name means no enforcement.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
