package main

import (
	"fmt"
	"os"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute returns the process exit code: 0 on success, 1 on any fatal error.
func execute(args []string) int {
	cmd := NewRootCommand(os.Getenv)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return 1
	}
	return 0
}
