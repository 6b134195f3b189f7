package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mcp-bolus-calc/internal/dose"
)

var (
	calcInputs dose.RawInputs
	calcJSON   bool
)

var calcCmd = &cobra.Command{
	Use:   "calc",
	Short: "Compute a bolus dose from the given values",
	Long: `Computes a bolus recommendation without starting the server.

Blank or malformed values count as zero, except insulin sensitivity which
must be a positive number.

Example:
  bolus-calc calc --carbs 60 --meal-coefficient 1 --current-glucose 180 \
    --target-glucose 120 --insulin-sensitivity 0.5`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := dose.Calculate(calcInputs)
		if err != nil {
			return err
		}
		return printBreakdown(cmd.OutOrStdout(), result, calcJSON)
	},
}

func init() {
	f := calcCmd.Flags()
	f.StringVar(&calcInputs.Carbs, "carbs", "", "Carbohydrates in the meal (g)")
	f.StringVar(&calcInputs.MealCoefficient, "meal-coefficient", "", "Insulin units per 10 g of carbohydrate")
	f.StringVar(&calcInputs.CurrentGlucose, "current-glucose", "", "Current blood glucose (mg/dL)")
	f.StringVar(&calcInputs.TargetGlucose, "target-glucose", "", "Target blood glucose (mg/dL)")
	f.StringVar(&calcInputs.InsulinSensitivity, "insulin-sensitivity", "", "Glucose drop per unit of insulin (g/L)")
	f.StringVar(&calcInputs.LastInjectionHours, "last-injection-hours", "", "Hours since the previous injection")
	f.StringVar(&calcInputs.LastInjectionUnits, "last-injection-units", "", "Units in the previous injection")
	f.BoolVar(&calcJSON, "json", false, "Print the result as JSON")
}

func printBreakdown(w io.Writer, b dose.Breakdown, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}
	_, err := fmt.Fprintf(w,
		"Meal bolus:        %.2f U\nCorrection bolus:  %.2f U\nInsulin on board: -%.2f U\nTotal bolus:       %.2f U\n",
		b.MealBolus, b.CorrectionBolus, b.InsulinOnBoard, b.TotalBolus)
	return err
}
