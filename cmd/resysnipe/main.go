package main

import (
	"github.com/joho/godotenv"

	"github.com/example/resy-sniper/cmd"
)

func main() {
	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()
	cmd.Execute()
}
