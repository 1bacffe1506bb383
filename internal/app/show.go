package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"loanwarden/internal/book"
	"loanwarden/internal/storage"
)

// Show prints the materialized loan book from the persisted ledger. No
// chain access: risk columns need live data, so only chain-emitted state
// is shown here.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	var all []storage.LoanEvent
	for _, stream := range storage.Streams() {
		events, cursor, err := store.LoadEvents(ctx, stream)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s stream: %d events, cursor at block %d\n", stream, len(events), cursor)
		all = append(all, events...)
	}

	states := book.Fold(all)
	if len(states) == 0 {
		fmt.Fprintln(os.Stdout, "no loans found")
		return nil
	}

	accounts := make([]string, 0, len(states))
	for account := range states {
		accounts = append(accounts, account)
	}
	sort.Strings(accounts)
	if opts.Limit > 0 && len(accounts) > opts.Limit {
		accounts = accounts[:opts.Limit]
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Account\tBlock\tNotional\tCollateral\tRate\tMaturity (UTC)\tRepaid\tFlagged\tOpen")

	for _, account := range accounts {
		state := states[account]
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\t%t\t%t\n",
			account,
			state.Block,
			state.Notional.StringFixed(2),
			state.Collateral.StringFixed(4),
			state.Rate.StringFixed(4),
			formatUnixDecimal(state.EndTS),
			state.HistRepay.StringFixed(2),
			state.LiquidateMe,
			!state.Closed(),
		)
	}

	return writer.Flush()
}

func formatUnixDecimal(ts decimal.Decimal) string {
	return time.Unix(ts.IntPart(), 0).UTC().Format(time.RFC3339)
}
