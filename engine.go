package procbox

import (
	"sync"

	"github.com/procbox/procbox/api"
)

var (
	engineMu     sync.Mutex
	engineLoader api.ModuleLoader
)

// RegisterEngine installs the module loader of an execution engine, making
// it available to callers that cannot be handed one directly, like the CLI.
// Engines call this from an init function; the last registration wins.
func RegisterEngine(loader api.ModuleLoader) {
	engineMu.Lock()
	defer engineMu.Unlock()
	engineLoader = loader
}

// EngineLoader returns the registered engine's loader, or nil when no engine
// is linked into the binary.
func EngineLoader() api.ModuleLoader {
	engineMu.Lock()
	defer engineMu.Unlock()
	return engineLoader
}
