package cmd

import (
	"github.com/lxhost/lxhost/go/host"
	"github.com/lxhost/lxhost/go/host/native"
)

func init() {
	launchers["native"] = func() host.Launcher { return &native.Launcher{} }
}
