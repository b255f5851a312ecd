package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/wallsight/internal/advisory"
	"github.com/andresmejia3/wallsight/internal/annotate"
	"github.com/andresmejia3/wallsight/internal/utils"
	"github.com/spf13/cobra"
)

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "List the damage categories and their advisories",
	Run: func(cmd *cobra.Command, args []string) {
		locale, err := advisory.ParseLocale(Cfg.Locale)
		if err != nil {
			utils.Die("Invalid advisory language", err, nil)
		}
		runLabels(os.Stdout, advisory.New(locale))
	},
}

func init() {
	rootCmd.AddCommand(labelsCmd)
}

func runLabels(out io.Writer, advisor *advisory.Advisor) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "LABEL\tCOLOR\tADVISORY")
	fmt.Fprintln(w, "-----\t-----\t--------")

	for _, c := range advisory.Categories() {
		msg, _ := advisor.ForCategory(c)
		col := annotate.ColorFor(c.Label())
		fmt.Fprintf(w, "%s\t#%02x%02x%02x\t%s\n", c.Label(), col.R, col.G, col.B, msg)
	}
	w.Flush()
}
