package cmd

import (
	"sort"
)

func hostNames() []string {
	var names []string
	for name := range launchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
