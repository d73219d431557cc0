package cmd

import (
	"fmt"
	"os"

	"github.com/bundleforge/bundleforge/src/manifest"
	"github.com/bundleforge/bundleforge/src/module"
	"github.com/bundleforge/bundleforge/src/output"
	"github.com/spf13/cobra"
)

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "Inspect tool and connector modules",
}

var modulesListCmd = &cobra.Command{
	Use:   "list [dir]",
	Short: "List discovered modules",
	RunE:  runModulesList,
}

var modulesValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Validate module descriptors and manifest consistency",
	Long: `Discover all modules and report malformed descriptors, version
constraint problems, and case-insensitive name conflicts without
building anything.`,
	RunE: runModulesValidate,
}

func init() {
	modulesCmd.AddCommand(modulesListCmd)
	modulesCmd.AddCommand(modulesValidateCmd)
	rootCmd.AddCommand(modulesCmd)
}

func discoverModules(cmd *cobra.Command, args []string) ([]module.Module, []module.Warning, error) {
	rootDir, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("getting working directory: %w", err)
	}
	if len(args) > 0 {
		rootDir = args[0]
	}

	reg := &module.Registry{}
	return reg.Discover(cmd.Context(), resolveRoots(rootDir, cfg.Sources.Roots))
}

func runModulesList(cmd *cobra.Command, args []string) error {
	mods, warnings, err := discoverModules(cmd, args)
	if err != nil {
		return err
	}

	color := output.UseColor()
	w := os.Stdout

	sec := output.NewSection(w, "Modules", 0, color)
	for _, m := range mods {
		detail := m.Version
		if m.Description != "" {
			detail += "  " + output.Dimmed(m.Description, color)
		}
		sec.Row("%-32s%s", module.DisplayName(m), detail)
	}
	if len(mods) == 0 {
		sec.Row("%s", output.Dimmed("no modules found", color))
	}
	sec.Separator()
	sec.Row("%d module(s), %d warning(s)", len(mods), len(warnings))
	sec.Close()

	output.Warnings(os.Stderr, warningStrings(warnings), color)
	return nil
}

func runModulesValidate(cmd *cobra.Command, args []string) error {
	mods, warnings, err := discoverModules(cmd, args)
	if err != nil {
		return err
	}

	color := output.UseColor()
	problems := warningStrings(warnings)

	// Manifest assembly surfaces name conflicts and unsatisfiable
	// dependency ranges on top of per-descriptor issues.
	_, manWarnings, manErr := manifest.Build(mods)
	for _, mw := range manWarnings {
		problems = append(problems, mw.Package+": "+mw.Detail)
	}
	if manErr != nil {
		problems = append(problems, manErr.Error())
	}

	output.Warnings(os.Stderr, problems, color)

	if len(problems) > 0 {
		return fmt.Errorf("validation failed: %d problem(s) in %d module(s)", len(problems), len(mods))
	}
	fmt.Printf("ok: %d module(s) valid\n", len(mods))
	return nil
}

func warningStrings(warnings []module.Warning) []string {
	out := make([]string, 0, len(warnings))
	for _, w := range warnings {
		out = append(out, w.String())
	}
	return out
}
