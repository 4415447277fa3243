package main

import "github.com/authelia/authelia-sub000/cmd/authd/cmd"

func main() {
	cmd.Execute()
}
