package main

import "github.com/bryanchriswhite/QRInspector/cmd/qrinspector/commands"

func main() {
	commands.Execute()
}
