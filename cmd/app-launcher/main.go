package main

import "github.com/oshokin/app-launcher/cmd/app-launcher/cmd"

func main() {
	cmd.Execute()
}
