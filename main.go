package main

import "github.com/korjavin/tutorbot/cli"

func main() {
	cli.Execute()
}
