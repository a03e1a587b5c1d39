package main

import "github.com/example/template-detector/cmd"

func main() {
	cmd.Execute()
}
