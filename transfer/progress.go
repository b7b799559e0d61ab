package transfer

import "context"

// Progress is one observation of an ongoing transfer.
type Progress struct {
	FileName         string
	BytesTransferred int64
	TotalBytes       int64
	Done             bool
}

// Report publishes p on sink. Intermediate updates are dropped when the
// observer lags; the final update (p.Done) waits for the observer or ctx.
// A nil sink discards everything.
func Report(ctx context.Context, sink chan<- Progress, p Progress) {
	if sink == nil {
		return
	}
	if !p.Done {
		select {
		case sink <- p:
		default:
		}
		return
	}

	select {
	case sink <- p:
	case <-ctx.Done():
	}
}
