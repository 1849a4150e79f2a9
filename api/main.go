package main

import (
	"github.com/joho/godotenv"

	"github.com/webgaze/webgaze/api/cmd/webgaze"
)

func main() {
	_ = godotenv.Load()
	webgaze.Execute()
}
