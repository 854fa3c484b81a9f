package main

import "github.com/oshokin/app-launcher/cmd/app-packager/cmd"

func main() {
	cmd.Execute()
}
