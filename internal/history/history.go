// Package history exports the trade history of a finished run as a flat
// table of (time, fills, order), with fills and order encoded as JSON.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atmx/backtester/internal/model"
)

// Row is one exported trade.
type Row struct {
	Time  time.Time       `json:"time"`
	Fills json.RawMessage `json:"fills"`
	Order json.RawMessage `json:"order"`
}

// Writer persists exported rows.
type Writer interface {
	Write(ctx context.Context, rows []Row) error
}

// Rows flattens trades into export rows, keeping their order. A trade is
// stamped with its order's creation time.
func Rows(trades []*model.Trade) ([]Row, error) {
	rows := make([]Row, 0, len(trades))
	for _, tr := range trades {
		fills := tr.Fills
		if fills == nil {
			fills = []model.Fill{}
		}
		fj, err := json.Marshal(fills)
		if err != nil {
			return nil, fmt.Errorf("history: fills of %s: %w", tr.Order.ID, err)
		}
		oj, err := json.Marshal(tr.Order)
		if err != nil {
			return nil, fmt.Errorf("history: order %s: %w", tr.Order.ID, err)
		}
		rows = append(rows, Row{Time: tr.Order.Created.UTC(), Fills: fj, Order: oj})
	}
	return rows, nil
}

// Export writes trades through w and returns the number of rows written.
func Export(ctx context.Context, w Writer, trades []*model.Trade) (int, error) {
	rows, err := Rows(trades)
	if err != nil {
		return 0, err
	}
	if err := w.Write(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}
