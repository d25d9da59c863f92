package main

import (
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vantagehq/vantage/internal/validate"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Manage platform modules",
}

func init() {
	modulesCmd.AddCommand(modulesListCmd)
	modulesCmd.AddCommand(modulesInstallCmd)
	modulesCmd.AddCommand(modulesUninstallCmd)
	modulesCmd.AddCommand(modulesValidateCmd)
}

var modulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		loaded, loadErr := a.loader.LoadAll(cmd.Context(), a.db)

		infoColor := color.New(color.FgCyan)
		warningColor := color.New(color.FgYellow)

		infoColor.Printf("%-24s %-10s %-12s %s\n", "MODULE", "VERSION", "STATE", "SUMMARY")
		for _, info := range a.registry.All() {
			fmt.Printf("%-24s %-10s %-12s %s\n",
				info.Name, info.Manifest.Version, info.State, info.Manifest.Summary)
		}
		fmt.Printf("\n%d modules loaded\n", loaded)
		if loadErr != nil {
			warningColor.Printf("some modules failed to load:\n%v\n", loadErr)
		}
		return nil
	},
}

var modulesInstallCmd = &cobra.Command{
	Use:   "install <archive.zip>",
	Short: "Install a module from a zip archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		if _, err := a.loader.LoadAll(cmd.Context(), a.db); err != nil {
			color.Yellow("some existing modules failed to load:\n%v", err)
		}

		name, err := a.loader.InstallFromArchive(args[0])
		if err != nil {
			return err
		}
		if err := a.loader.Load(cmd.Context(), name, a.db); err != nil {
			return err
		}

		info, _ := a.registry.Get(name)
		report, err := a.validator.Validate(cmd.Context(), validate.Input{
			Name:     name,
			Dir:      info.Path,
			Manifest: info.Manifest,
			Models:   info.Models,
			Routes:   info.Routes,
		})
		if err != nil {
			return err
		}
		printReport(report)
		if !report.Valid {
			return fmt.Errorf("module %q failed validation", name)
		}

		if err := a.engine.EnsureTables(cmd.Context()); err != nil {
			return err
		}
		result, err := a.loader.Setup(cmd.Context(), name, a.db, a.engine)
		if err != nil {
			return err
		}
		for _, skip := range result.Skipped {
			color.Yellow("skipped: %s.%s: %s", skip.Table, skip.Column, skip.Reason)
		}

		color.Green("✓ module %s %s installed", name, info.Manifest.Version)
		return nil
	},
}

var modulesUninstallCmd = &cobra.Command{
	Use:   "uninstall <name>",
	Short: "Remove a module and drop its tables",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		if _, err := a.loader.LoadAll(cmd.Context(), a.db); err != nil {
			color.Yellow("some modules failed to load:\n%v", err)
		}

		if dependents := a.registry.Dependents(name); len(dependents) > 0 {
			return fmt.Errorf("cannot uninstall %q: required by %v", name, dependents)
		}

		if !flagYes {
			confirmed := false
			prompt := &survey.Confirm{
				Message: fmt.Sprintf("Uninstall %q and drop its tables?", name),
			}
			if err := survey.AskOne(prompt, &confirmed); err != nil {
				return err
			}
			if !confirmed {
				fmt.Println("aborted")
				return nil
			}
		}

		if info, ok := a.registry.Get(name); ok {
			if err := a.engine.EnsureTables(cmd.Context()); err != nil {
				return err
			}
			if _, err := a.engine.UninstallModuleSchema(cmd.Context(), name,
				info.Manifest.Version, info.Models, info.AssociationTables); err != nil {
				return err
			}
		}
		if err := a.loader.Uninstall(cmd.Context(), name, a.db); err != nil {
			return err
		}

		color.Green("✓ module %s uninstalled", name)
		return nil
	},
}

var modulesValidateCmd = &cobra.Command{
	Use:   "validate <name>",
	Short: "Run pre-installation validation for a module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		if _, err := a.loader.LoadAll(cmd.Context(), a.db); err != nil {
			color.Yellow("some modules failed to load:\n%v", err)
		}
		info, ok := a.registry.Get(name)
		if !ok {
			return fmt.Errorf("module %q is not loaded", name)
		}

		report, err := a.validator.Validate(cmd.Context(), validate.Input{
			Name:     name,
			Dir:      info.Path,
			Manifest: info.Manifest,
			Models:   info.Models,
			Routes:   info.Routes,
		})
		if err != nil {
			return err
		}
		printReport(report)
		if !report.Valid {
			os.Exit(1)
		}
		return nil
	},
}

func printReport(report *validate.Report) {
	errorColor := color.New(color.FgRed, color.Bold)
	warningColor := color.New(color.FgYellow)
	successColor := color.New(color.FgGreen, color.Bold)

	for _, issue := range report.Errors {
		errorColor.Printf("✗ [%s] %s\n", issue.Check, issue.Message)
		if issue.Remedy != "" {
			fmt.Printf("  remedy: %s\n", issue.Remedy)
		}
	}
	for _, issue := range report.Warnings {
		warningColor.Printf("⚠ [%s] %s\n", issue.Check, issue.Message)
	}
	if report.Valid {
		successColor.Printf("✓ module %s is valid", report.Module)
		if len(report.Plans) > 0 {
			fmt.Printf(" (%d tables would change)", len(report.Plans))
		}
		fmt.Println()
	}
}
