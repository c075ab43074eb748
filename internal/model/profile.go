package model

import "fmt"

// Profile selects which collectors the installed agent enables.
type Profile string

const (
	ProfileRecommended Profile = "recommended"
	ProfileFull        Profile = "full"
	ProfileMinimal     Profile = "minimal"
)

// ParseProfile validates a profile name. An empty name selects ProfileRecommended.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case "":
		return ProfileRecommended, nil
	case ProfileRecommended, ProfileFull, ProfileMinimal:
		return Profile(s), nil
	default:
		return "", fmt.Errorf("unknown collector profile %q (want recommended, full or minimal)", s)
	}
}

// CollectorSet lists the collectors one profile turns on and off.
type CollectorSet struct {
	// DisableDefaults switches off every default collector before Enable is applied.
	DisableDefaults bool
	Enable          []string
	Disable         []string
}

var linuxCollectors = map[Profile]CollectorSet{
	ProfileMinimal: {
		DisableDefaults: true,
		Enable:          []string{"cpu", "meminfo", "filesystem", "loadavg", "netdev", "diskstats", "uname", "time"},
	},
	ProfileRecommended: {
		Enable:  []string{"systemd", "processes"},
		Disable: []string{"wifi", "infiniband", "nfs", "nfsd", "zfs", "btrfs", "fibrechannel", "tapestats"},
	},
	ProfileFull: {
		Enable: []string{"systemd", "processes", "tcpstat", "interrupts", "ksmd", "logind",
			"meminfo_numa", "mountstats", "network_route", "cpu.info", "ethtool"},
	},
}

var windowsCollectors = map[Profile]CollectorSet{
	ProfileMinimal: {
		Enable: []string{"cpu", "cs", "logical_disk", "memory", "net", "os"},
	},
	ProfileRecommended: {
		Enable: []string{"cpu", "cs", "logical_disk", "memory", "net", "os", "physical_disk",
			"service", "system", "tcp"},
	},
	ProfileFull: {
		Enable: []string{"cache", "cpu", "cpu_info", "cs", "logical_disk", "memory", "net", "os",
			"physical_disk", "process", "service", "system", "tcp", "textfile", "thermalzone", "time"},
	},
}

// Collectors returns the collector table entry for the OS and profile.
func (p Profile) Collectors(os OSType) (CollectorSet, error) {
	var table map[Profile]CollectorSet
	switch os {
	case OSLinux:
		table = linuxCollectors
	case OSWindows:
		table = windowsCollectors
	default:
		return CollectorSet{}, fmt.Errorf("no collector table for os %q", os)
	}
	set, ok := table[p]
	if !ok {
		return CollectorSet{}, fmt.Errorf("unknown collector profile %q", p)
	}
	return set, nil
}
