package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/dragonscale-engine/internal/executor"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/modules"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan>",
	Short: "Check a plan file and print its execution waves",
	Long: `Parse a plan, verify its dependency graph and template references, check
module requirements against the built-in modules and print the waves the
executor would run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, dag, err := executor.LoadAndValidatePlan(args[0])
		if err != nil {
			return err
		}
		mods, err := modules.NewRegistry(modules.System())
		if err != nil {
			return err
		}
		if err := modules.CheckCompatibility(plan.ModuleRequirements, mods.Versions()); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		name := plan.ID
		if plan.Name != "" {
			name = plan.Name
		}
		if name == "" {
			name = args[0]
		}
		fmt.Fprintf(out, "Plan %s is valid: %d actions in %d waves\n", name, dag.Len(), len(dag.Waves()))
		for i, wave := range dag.Waves() {
			fmt.Fprintf(out, "  wave %d: %s\n", i, strings.Join(wave, ", "))
		}
		return nil
	},
}
