package main

import (
	"os"

	"habitkeep/cmd/habitkeep/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:], os.Stdout, os.Stderr, &cmd.Config{Stdin: os.Stdin}))
}
