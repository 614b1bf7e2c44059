package main

import "github.com/arcward/askbot/cmd"

func main() {
	cmd.Execute()
}
