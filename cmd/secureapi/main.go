package main

import (
	"flag"
	"log"

	"secureapi/cmd/internal/app"
)

func main() {
	envFile := flag.String("env-file", "", "dotenv file to load before reading SECUREAPI_* variables (default: ./.env if present)")
	flag.Parse()

	if err := app.Run(*envFile); err != nil {
		log.Fatal(err)
	}
}
