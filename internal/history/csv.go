package history

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"time"
)

// CSVWriter writes rows as ';'-delimited CSV with a header, the same
// dialect the tick exports use.
type CSVWriter struct {
	W io.Writer
}

func (c *CSVWriter) Write(_ context.Context, rows []Row) error {
	w := csv.NewWriter(c.W)
	w.Comma = ';'

	if err := w.Write([]string{"time", "fills", "order"}); err != nil {
		return fmt.Errorf("history: csv header: %w", err)
	}
	for _, r := range rows {
		rec := []string{r.Time.Format(time.RFC3339Nano), string(r.Fills), string(r.Order)}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("history: csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}
