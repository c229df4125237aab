package main

import (
	"github.com/lxhost/lxhost/go/cmd"

	_ "github.com/lxhost/lxhost/go/cmd/load"
	_ "github.com/lxhost/lxhost/go/cmd/snapshot"
)

func main() { cmd.Main() }
