package main

import "time"

const (
	syncTimeout     = 2 * time.Minute
	transferTimeout = 5 * time.Minute
)

// main is required by c-shared builds and never runs.
func main() {}
