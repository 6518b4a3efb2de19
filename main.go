// The main package for the titlecrawler executable.
package main

import (
	"github.com/moviemeta/titlecrawler/cmd"
)

func main() {
	cmd.Execute()
}
