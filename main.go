package main

import (
	"github.com/baaaht/dispatch/cmd"
)

func main() {
	cmd.Execute()
}
