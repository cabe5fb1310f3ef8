package slam

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Command is a one-shot request to the system. A requested command is acted on once, at the start
// of the next cycle, and then cleared.
type Command int

// The commands, in the order a cycle acts on them.
const (
	CommandStop Command = iota
	CommandReset
	CommandLoadMap
	CommandPause
	CommandSaveMap
	CommandSaveMesh
	numCommands
)

var commandNames = [numCommands]string{
	CommandStop:     "stop",
	CommandReset:    "reset",
	CommandLoadMap:  "load_map",
	CommandPause:    "pause",
	CommandSaveMap:  "save_map",
	CommandSaveMesh: "save_mesh",
}

func (c Command) String() string {
	if c < 0 || c >= numCommands {
		return "unknown"
	}
	return commandNames[c]
}

// ParseCommand returns the command with the given name.
func ParseCommand(name string) (Command, error) {
	name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for c, n := range commandNames {
		if n == name {
			return Command(c), nil
		}
	}
	return 0, errors.Errorf("unknown command %q", name)
}

// Control is the command surface shared by the system and whoever drives it. Commands are edge
// triggered: requesting a command twice before a cycle consumes it acts once. Modes are level
// triggered and read by every cycle.
type Control struct {
	pending [numCommands]atomic.Bool

	localizationOnly atomic.Bool
	graphMatching    atomic.Bool
	needImages       atomic.Bool
	needMesh         atomic.Bool
}

// Request marks a command to be acted on by the next cycle.
func (c *Control) Request(cmd Command) {
	if cmd < 0 || cmd >= numCommands {
		return
	}
	c.pending[cmd].Store(true)
}

// Pending reports whether a command is waiting to be consumed.
func (c *Control) Pending(cmd Command) bool {
	if cmd < 0 || cmd >= numCommands {
		return false
	}
	return c.pending[cmd].Load()
}

// consume clears a requested command and reports whether it was set.
func (c *Control) consume(cmd Command) bool {
	return c.pending[cmd].CompareAndSwap(true, false)
}

// SetLocalizationOnly stops fusion and keyframe insertion while tracking continues.
func (c *Control) SetLocalizationOnly(enabled bool) {
	c.localizationOnly.Store(enabled)
}

// LocalizationOnly reports whether fusion and keyframe insertion are off.
func (c *Control) LocalizationOnly() bool {
	return c.localizationOnly.Load()
}

// SetGraphMatching lets the tracker try descriptor matching before declaring itself lost.
func (c *Control) SetGraphMatching(enabled bool) {
	c.graphMatching.Store(enabled)
}

// GraphMatching reports whether descriptor matching backs up tracking.
func (c *Control) GraphMatching() bool {
	return c.graphMatching.Load()
}

// SetNeedImages asks the tracker to publish renderings of its prediction.
func (c *Control) SetNeedImages(need bool) {
	c.needImages.Store(need)
}

// NeedImages reports whether renderings are wanted.
func (c *Control) NeedImages() bool {
	return c.needImages.Load()
}

// SetNeedMesh asks the system to refresh the published mesh after each cycle that changed the map.
func (c *Control) SetNeedMesh(need bool) {
	c.needMesh.Store(need)
}

// NeedMesh reports whether mesh updates are wanted.
func (c *Control) NeedMesh() bool {
	return c.needMesh.Load()
}
