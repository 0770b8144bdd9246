package main

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/seesay/internal/config"
	"github.com/MrWong99/seesay/pkg/capture"
)

var resolutionsCmd = &cobra.Command{
	Use:   "resolutions",
	Short: "List the still resolutions of the configured camera",
	Long: `Resolutions opens the configured capture device, lists every still
resolution it offers and marks the one seesay would select for the configured
minimum size. Use it when porting to new camera hardware.`,
	Args: cobra.NoArgs,
	RunE: runResolutions,
}

func init() {
	rootCmd.AddCommand(resolutionsCmd)
}

func runResolutions(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	dev, err := reg.CreateCapture(cfg.Capture.Provider)
	if err != nil {
		return fmt.Errorf("create capture device %q: %w", cfg.Capture.Provider.Name, err)
	}
	defer dev.Close()

	available, err := dev.Resolutions(ctx)
	if err != nil {
		return fmt.Errorf("list resolutions of %s: %w", dev.Name(), err)
	}
	minimum := capture.Resolution{Width: cfg.Capture.MinWidth, Height: cfg.Capture.MinHeight}
	selected, selErr := capture.SelectResolution(available, minimum)

	printResolutions(cmd, dev.Name(), available, minimum, selected, selErr == nil)
	return selErr
}

// printResolutions lists available by area, marking selected.
func printResolutions(cmd *cobra.Command, device string, available []capture.Resolution, minimum, selected capture.Resolution, ok bool) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s offers %d still resolutions (minimum %s):\n", device, len(available), minimum)

	sorted := slices.Clone(available)
	slices.SortStableFunc(sorted, func(a, b capture.Resolution) int { return cmp.Compare(a.Area(), b.Area()) })
	for _, r := range sorted {
		mark := " "
		if ok && r == selected {
			mark = "*"
		}
		fmt.Fprintf(w, " %s %s\n", mark, r)
	}
	if !ok {
		fmt.Fprintln(w, "no resolution meets the minimum")
	}
}
