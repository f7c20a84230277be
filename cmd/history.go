package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/scribe/internal/types"
	"github.com/andresmejia3/scribe/internal/utils"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent deliveries from the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		deliveries, err := db.ListRecent(cmd.Context(), historyLimit)
		if err != nil {
			utils.Die("Failed to list deliveries", err, nil)
		}
		printHistory(os.Stdout, deliveries)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of deliveries to show")
	rootCmd.AddCommand(historyCmd)
}

func printHistory(out io.Writer, deliveries []types.Delivery) {
	if len(deliveries) == 0 {
		fmt.Fprintln(out, "No deliveries found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DELIVERED\tMETHOD\tREQUEST\tOK\tDURATION\tDIGEST\tTEXT")
	fmt.Fprintln(w, "---------\t------\t-------\t--\t--------\t------\t----")

	for _, d := range deliveries {
		ok, text := "yes", utils.Preview(d.Text, 40)
		if !d.Success {
			ok, text = "no", d.ErrorMessage
		}
		digest := d.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%q\n",
			d.DeliveredAt.Local().Format("2006-01-02 15:04:05"), d.Method, d.RequestID, ok,
			d.Duration.Round(time.Millisecond), digest, text)
	}
	w.Flush()
}
