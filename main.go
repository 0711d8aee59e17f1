package main

import "github.com/insurepro/apiserver/cmd"

func main() {
	cmd.Execute()
}
