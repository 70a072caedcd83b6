package main

import (
	"context"
	"fmt"
	"os"

	"github.com/yungbote/screening-backend/internal/app"
	"github.com/yungbote/screening-backend/internal/platform/shutdown"
)

func main() {
	a, err := app.New(context.Background())
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := shutdown.NotifyContext(context.Background(), a.Log)
	defer stop()

	if err := a.Run(ctx); err != nil {
		a.Log.Error("server exited", "error", err)
		a.Log.Sync()
		os.Exit(1)
	}
}
