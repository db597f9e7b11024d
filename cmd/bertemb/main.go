package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := NewCLI().ExecuteContext(context.Background()); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
