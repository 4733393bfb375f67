package main

import "terminal-recon/cmd/terminalrecon/cmd"

func main() {
	cmd.Execute()
}
