package progress

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/objectfs/objectsync/pkg/types"
)

var reportHeader = []string{
	types.ColSourceID,
	types.ColTargetID,
	types.ColIsDirectory,
	types.ColSize,
	types.ColMtime,
	types.ColStatus,
	types.ColTransferStart,
	types.ColTransferComplete,
	types.ColVerifyStart,
	types.ColVerifyComplete,
	types.ColRetryCount,
	types.ColErrorMessage,
	types.ColFirstErrorMessage,
	types.ColIsSourceDeleted,
}

// WriteCSV writes the selected records as CSV with a header row and returns
// the number of records written.
func WriteCSV(ctx context.Context, store Store, w io.Writer, filter Filter) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(reportHeader); err != nil {
		return 0, err
	}

	n := 0
	err := store.Each(ctx, filter, func(rec *types.SyncRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n++
		return cw.Write([]string{
			rec.SourceID,
			rec.TargetID,
			strconv.FormatBool(rec.Directory),
			strconv.FormatInt(rec.Size, 10),
			formatTime(rec.Mtime),
			string(rec.Status),
			formatTime(rec.TransferStart),
			formatTime(rec.TransferComplete),
			formatTime(rec.VerifyStart),
			formatTime(rec.VerifyComplete),
			strconv.Itoa(rec.RetryCount),
			rec.ErrorMessage,
			rec.FirstErrorMessage,
			strconv.FormatBool(rec.SourceDeleted),
		})
	})
	if err != nil {
		return n, fmt.Errorf("writing report: %w", err)
	}
	cw.Flush()
	return n, cw.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
