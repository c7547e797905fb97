// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

// Epa is a tool for maximum-likelihood phylogenetic placement.
package main

import (
	"github.com/js-arias/command"

	"github.com/js-arias/epa/cmd/epa/place"
)

var app = &command.Command{
	Usage: "epa <command> [<argument>...]",
	Short: "a tool for maximum-likelihood phylogenetic placement",
}

func init() {
	app.Add(place.Command)
}

func main() {
	app.Main()
}
