package main

import "github.com/containai/containai/cmd/containai-fw/cmd"

func main() {
	cmd.Execute()
}
