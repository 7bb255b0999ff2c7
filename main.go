package main

import "github.com/fabfab/ragchat/cmd"

func main() {
	cmd.Execute()
}
