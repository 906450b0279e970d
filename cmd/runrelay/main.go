package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"runrelay/internal/app"
	"runrelay/internal/drain"
	"runrelay/pkg/logx"
)

func main() {
	var (
		cfgPath     string
		enqueuePath string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")
	flag.StringVar(&enqueuePath, "enqueue", "", "validate a work item json file, put it on the queue and exit")
	flag.Parse()

	if enqueuePath != "" {
		os.Exit(enqueue(cfgPath, enqueuePath))
	}

	// Only SIGTERM is handled, by the drain coordinator inside app. Every
	// other signal keeps its default behavior.
	ctx := context.Background()
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.Stop(stopCtx, drain.StopFatalError)
		cancel()
		os.Exit(1)
	}
	os.Exit(a.Wait())
}

func enqueue(cfgPath, itemPath string) int {
	body, err := os.ReadFile(itemPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read work item:", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	id, err := app.Enqueue(ctx, cfgPath, body, logx.NewConsole("INFO"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "enqueue:", err)
		return 1
	}
	fmt.Println(id)
	return 0
}
