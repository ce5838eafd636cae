package main

import "github.com/nfrund/carechat/cmd/carechat/cmd"

func main() {
	cmd.Execute()
}
