package main

import "github.com/streamvault/streamvault/cmd"

func main() {
	cmd.Execute()
}
