package main

import "github.com/packdepot/depot/cmd/depot/cmd"

func main() {
	cmd.Execute()
}
