package main

import (
	"embed"
	"log/slog"
	"os"

	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"

	"github.com/prxssh/ipchat/internal/app"
	"github.com/prxssh/ipchat/internal/config"
	"github.com/prxssh/ipchat/pkg/utils/logging"
)

//go:embed all:frontend/dist
var assets embed.FS

func main() {
	setupLogger()
	config.Init()

	client := app.NewClient()

	err := wails.Run(&options.App{
		Title:            "IP Chat",
		Width:            1024,
		Height:           768,
		AssetServer:      &assetserver.Options{Assets: assets},
		OnStartup:        client.Startup,
		OnShutdown:       client.Shutdown,
		BackgroundColour: &options.RGBA{R: 27, G: 38, B: 54, A: 1},
		Bind:             []any{client},
	})
	if err != nil {
		slog.Error("failed to start wails", "error", err)
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelDebug
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
