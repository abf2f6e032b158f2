package main

import "github.com/guildxp/guildxp/cmd"

func main() {
	cmd.Execute()
}
