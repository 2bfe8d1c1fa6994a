package main

import "wfbase/wfetl/cmd"

func main() {
	cmd.Execute()
}
