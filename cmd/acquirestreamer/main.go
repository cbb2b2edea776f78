package main

import "github.com/bryanchriswhite/AcquireStreamer/cmd/acquirestreamer/commands"

func main() {
	commands.Execute()
}
