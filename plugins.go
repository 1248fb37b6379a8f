package mailguard

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"

	"github.com/sirupsen/logrus"
)

// pluginVarName is the symbol every hook plugin exports.
const pluginVarName string = "Hook"

// LoadPlugins opens every *.so in dir and returns the hooks they export.
// A missing dir yields no hooks; a broken plugin is logged and skipped.
func LoadPlugins(dir string, log logrus.FieldLogger) ([]Hook, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}

	var hooks []Hook
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != ".so" {
			continue
		}

		p := filepath.Join(dir, e.Name())
		h, err := lookupHook(p)
		if err != nil {
			log.WithField("plugin", p).WithError(err).Error("plugin load error")
			continue
		}

		log.WithFields(logrus.Fields{"plugin": p, "hook": h.Name()}).Info("plugin loaded")
		hooks = append(hooks, h)
	}

	return hooks, nil
}

func lookupHook(path string) (Hook, error) {
	plug, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}

	symbol, err := plug.Lookup(pluginVarName)
	if err != nil {
		return nil, err
	}

	h, ok := symbol.(Hook)
	if !ok {
		return nil, fmt.Errorf("symbol %s is %T, not a Hook", pluginVarName, symbol)
	}
	return h, nil
}
