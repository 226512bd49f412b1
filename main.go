package main

import (
	"os"

	"github.com/tetromino/stepwin32/cmds"
)

func main() {
	os.Exit(cmds.Execute())
}
