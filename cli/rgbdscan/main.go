// Package main is the rgbdscan command itself.
package main

import (
	"log"
	"os"

	"github.com/regardrgbd/rgbdscan/cli"
)

func main() {
	if err := cli.NewApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
