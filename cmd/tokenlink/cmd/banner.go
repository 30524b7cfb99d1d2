package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _        _              _ _       _    
 | |_ ___ | | _____ _ __ | (_)_ __ | | __
 | __/ _ \| |/ / _ \ '_ \| | | '_ \| |/ /
 | || (_) |   <  __/ | | | | | | | |   < 
  \__\___/|_|\_\___|_| |_|_|_|_| |_|_|\_\
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m\n", banner)
	fmt.Fprintf(w, "\x1b[32m  Token Proxy - Version %s\x1b[0m\n\n", Version)
}
