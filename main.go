package main

import "github.com/beeper/asmux/pkg/cmd"

func main() {
	cmd.Run()
}
