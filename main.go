package main

import "github.com/outboundly/campaigngw/cmd"

func main() {
	cmd.Execute()
}
