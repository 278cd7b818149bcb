// Package main is the entry point for sapd, the SAP session directory daemon.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/sap/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
