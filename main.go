package main

import (
	"github.com/fzft/go-reactor/cmd"
)

func main() {
	cmd.Execute()
}
