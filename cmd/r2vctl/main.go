package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(&ctl{out: os.Stdout, open: openSession}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "r2vctl: %v\n", err)
		os.Exit(1)
	}
}
