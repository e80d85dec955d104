package main

import (
	"fmt"
	"math"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"fhe-engine/internal/domain"
	"fhe-engine/internal/engine"
)

func paramsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Inspect scheme parameters",
	}
	cmd.AddCommand(paramsRecommendCmd())
	return cmd
}

func paramsRecommendCmd() *cobra.Command {
	var (
		schemeName string
		opsFlag    string
		security   int
	)
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Recommend the smallest parameters for a set of operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseSchemeKind(schemeName)
			if err != nil {
				return err
			}
			var ops []domain.Operation
			for _, name := range strings.Split(opsFlag, ",") {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				op, ok := domain.ParseOperation(name)
				if !ok {
					return fmt.Errorf("unknown operation %q", name)
				}
				ops = append(ops, op)
			}

			rec, err := engine.NewOptimizer().Recommend(kind, ops, domain.SecurityLevel(security))
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(rec)
			}

			p := rec.Parameters
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintf(w, "SCHEME\t%s\n", p.Kind)
			fmt.Fprintf(w, "POLY MODULUS DEGREE\t%d\n", p.PolyModulusDegree)
			fmt.Fprintf(w, "COEFF MODULUS BITS\t%v\n", p.EffectiveCoeffModulusBits())
			if p.PlainModulusBits > 0 {
				fmt.Fprintf(w, "PLAIN MODULUS BITS\t%d\n", p.PlainModulusBits)
			}
			if p.Scale > 0 {
				fmt.Fprintf(w, "SCALE\t2^%d\n", int(math.Round(math.Log2(p.Scale))))
			}
			fmt.Fprintf(w, "DEPTH\t%d\n", rec.Depth)
			fmt.Fprintf(w, "SECURITY\t%d\n", rec.SecurityBits)
			fmt.Fprintf(w, "COST\t%.1f\n", rec.Cost)
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&schemeName, "scheme", "CKKS", "Scheme: BFV, BGV, CKKS")
	cmd.Flags().StringVar(&opsFlag, "ops", "add,multiply", "Comma separated operations")
	cmd.Flags().IntVar(&security, "security", 128, "Security level in bits: 128, 192, 256")
	return cmd
}
