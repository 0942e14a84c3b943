package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anaysingh0542/multi-agent/internal/handlers"
	"github.com/anaysingh0542/multi-agent/internal/validation"
	"github.com/anaysingh0542/multi-agent/pkg/schema"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan>...",
		Short: "Validate plan documents without running them",
		Long: `Runs schema, semantic and parallel-independence checks. Warnings are
reported but do not fail validation. Exits 1 if any plan has errors.`,
		Args: cobra.MinimumNArgs(1),
		RunE: validatePlans,
	}
	cmd.Flags().Bool("json", false, "print one JSON result per plan")
	cmd.Flags().Bool("strict", false, "treat unknown node kinds as errors")
	return cmd
}

type validateReport struct {
	File     string                   `json:"file"`
	Valid    bool                     `json:"valid"`
	Errors   []schema.ValidationIssue `json:"errors"`
	Warnings []schema.ValidationIssue `json:"warnings"`
}

func validatePlans(cmd *cobra.Command, args []string) error {
	strict, _ := cmd.Flags().GetBool("strict")
	asJSON, _ := cmd.Flags().GetBool("json")

	v, err := validation.NewPlanValidator(
		validation.WithAgents(validation.HandlerLookup(handlers.DefaultAgentTable(), handlers.Defaults())),
		validation.WithStrictKinds(strict),
	)
	if err != nil {
		return withExitCode(exitValidation, err)
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		data, name, err := readPlan(cmd, path)
		if err != nil {
			return withExitCode(exitValidation, err)
		}
		_, result := v.ValidateDocument(data, name)
		if !result.Valid() {
			failed++
		}

		if asJSON {
			report := validateReport{
				File:     name,
				Valid:    result.Valid(),
				Errors:   nonNilIssues(result.Errors),
				Warnings: nonNilIssues(result.Warnings),
			}
			if err := json.NewEncoder(out).Encode(report); err != nil {
				return withExitCode(exitValidation, err)
			}
			continue
		}

		if result.Valid() {
			fmt.Fprintf(out, "OK   %s\n", name)
		} else {
			fmt.Fprintf(out, "FAIL %s\n", name)
		}
		printIssues(out, result)
	}

	if failed > 0 {
		return withExitCode(exitValidation, fmt.Errorf("%d of %d plans invalid", failed, len(args)))
	}
	return nil
}

func nonNilIssues(issues []schema.ValidationIssue) []schema.ValidationIssue {
	if issues == nil {
		return []schema.ValidationIssue{}
	}
	return issues
}
