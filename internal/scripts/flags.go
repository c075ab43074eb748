package scripts

import (
	"strings"

	"github.com/nmslite/agentprov/internal/model"
)

// LinuxFlags turns a collector set into node_exporter command-line flags.
func LinuxFlags(set model.CollectorSet) []string {
	var flags []string
	if set.DisableDefaults {
		flags = append(flags, "--collector.disable-defaults")
	}
	for _, c := range set.Enable {
		flags = append(flags, "--collector."+c)
	}
	for _, c := range set.Disable {
		flags = append(flags, "--no-collector."+c)
	}
	return flags
}

// WindowsCollectors returns the comma separated list windows_exporter expects in
// --collectors.enabled. Disabled collectors are dropped from the list.
func WindowsCollectors(set model.CollectorSet) string {
	skip := make(map[string]bool, len(set.Disable))
	for _, c := range set.Disable {
		skip[c] = true
	}
	enabled := make([]string, 0, len(set.Enable))
	for _, c := range set.Enable {
		if !skip[c] {
			enabled = append(enabled, c)
		}
	}
	return strings.Join(enabled, ",")
}
