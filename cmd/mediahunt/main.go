package main

import "github.com/mediahunt/mediahunt/cmd/mediahunt/cmd"

func main() {
	cmd.Execute()
}
