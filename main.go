package main

import "github.com/andresmejia3/wallsight/cmd"

func main() {
	cmd.Execute()
}
