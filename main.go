package main

import "agent-kernel/kernel_go/cmd"

func main() {
	cmd.Execute()
}
