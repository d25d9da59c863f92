package main

import (
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vantagehq/vantage/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load all modules and run the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.engine.EnsureTables(ctx); err != nil {
			return err
		}
		loaded, loadErr := a.loader.LoadAll(ctx, a.db)
		if loadErr != nil {
			color.Yellow("some modules failed to load:\n%v", loadErr)
		}
		color.Green("✓ %d modules loaded", loaded)

		if a.cfg.Modules.AutoInstall {
			for _, info := range a.registry.All() {
				if !info.Manifest.AutoInstall {
					continue
				}
				if _, err := a.loader.Setup(ctx, info.Name, a.db, a.engine); err != nil {
					return err
				}
			}
		}

		server := web.NewServer(a.registry, a.loader, a.engine, a.validator, a.db, a.cfg.Static.Root, a.log)
		return server.Serve(ctx, a.cfg.Addr())
	},
}
