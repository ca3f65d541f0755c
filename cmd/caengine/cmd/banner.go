package cmd

import (
	"fmt"
	"io"
)

const banner = `
   ___   _   ___           _          
  / __| /_\ | __|_ _  __ _(_)_ _  ___ 
 | (__ / _ \| _|| ' \/ _` + "`" + ` | | ' \/ -_)
  \___/_/ \_\___|_||_\__, |_|_||_\___|
                     |___/            
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  Certificate Authority Engine - Version %s\x1b[0m\n\n", Version)
}
