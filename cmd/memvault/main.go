// Package main is the entry point for the memvault memory service.
package main

func main() {
	Execute()
}
