package main

import "github.com/frahmantamala/library-management/cmd"

func main() {
	cmd.Execute()
}
