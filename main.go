package main

import "github.com/ValentinKolb/dLog/cmd"

func main() {
	cmd.Execute()
}
