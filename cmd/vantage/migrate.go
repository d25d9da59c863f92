package main

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Inspect and manage module migrations",
}

func init() {
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateHistoryCmd)
	migrateCmd.AddCommand(migrateRollbackCmd)
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema status of every loaded module",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		if _, err := a.loader.LoadAll(cmd.Context(), a.db); err != nil {
			color.Yellow("some modules failed to load:\n%v", err)
		}
		if err := a.engine.EnsureTables(cmd.Context()); err != nil {
			return err
		}

		infoColor := color.New(color.FgCyan)
		for _, info := range a.registry.All() {
			infoColor.Printf("%s %s\n", info.Name, info.Manifest.Version)
			report, err := a.engine.ValidateModuleSchema(cmd.Context(), info.Name, info.Models)
			if err != nil {
				return err
			}
			for model, status := range report {
				marker := "✓"
				if status != "ok" {
					marker = "⚠"
				}
				fmt.Printf("  %s %-32s %s\n", marker, model, status)
			}
		}
		return nil
	},
}

var migrateHistoryCmd = &cobra.Command{
	Use:   "history <module>",
	Short: "List a module's migration records, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.engine.EnsureTables(cmd.Context()); err != nil {
			return err
		}
		records, err := a.engine.Ledger().History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Printf("no migrations recorded for %q\n", args[0])
			return nil
		}

		successColor := color.New(color.FgGreen)
		errorColor := color.New(color.FgRed)
		for _, rec := range records {
			line := fmt.Sprintf("%-40s %-8s %-12s %6dms", rec.Name, rec.Type, rec.Status, rec.DurationMS)
			switch rec.Status {
			case "applied":
				successColor.Println(line)
			case "failed":
				errorColor.Println(line)
				if rec.Error != "" {
					fmt.Printf("    %s\n", rec.Error)
				}
			default:
				fmt.Println(line)
			}
		}
		return nil
	},
}

var migrateRollbackCmd = &cobra.Command{
	Use:   "rollback <module> <migration>",
	Short: "Roll back one applied migration",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		moduleName, migration := args[0], args[1]
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		if !flagYes {
			confirmed := false
			prompt := &survey.Confirm{
				Message: fmt.Sprintf("Roll back migration %q of module %q?", migration, moduleName),
			}
			if err := survey.AskOne(prompt, &confirmed); err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("aborted")
				return nil
			}
		}

		if err := a.engine.EnsureTables(cmd.Context()); err != nil {
			return err
		}
		if err := a.engine.Rollback(cmd.Context(), moduleName, migration); err != nil {
			return err
		}
		color.Green("✓ migration %s rolled back", migration)
		return nil
	},
}
