// Package indexer queries the archive indexer for loan-book events. It is
// a pure reader: each fetch asks for one bounded page of events strictly
// beyond a block cursor and decodes them into storage.LoanEvent values.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"loanwarden/internal/fixedpoint"
	"loanwarden/internal/storage"
)

const defaultPageLimit = 500

// StreamSpec names the event and emitting contract backing one stream.
type StreamSpec struct {
	EventName string
	Contract  string
}

// Options parameterise the indexer client.
type Options struct {
	URL       string
	PageLimit int
	Timeout   time.Duration
	UserAgent string
	Streams   map[storage.Stream]StreamSpec
}

// Client fetches ordered loan events from the GraphQL indexer.
type Client struct {
	opts   Options
	logger zerolog.Logger
	client *http.Client
}

// New constructs an indexer client.
func New(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = defaultPageLimit
	}

	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "indexer").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// FetchEvents returns one page of events for the stream with block numbers
// strictly greater than afterBlock, ascending. A response containing any
// event at or below the cursor is rejected as malformed: accepting it
// would re-ingest history.
func (c *Client) FetchEvents(ctx context.Context, stream storage.Stream, afterBlock uint64) ([]storage.LoanEvent, error) {
	spec, ok := c.opts.Streams[stream]
	if !ok {
		return nil, &MalformedError{Reason: fmt.Sprintf("no stream spec for %q", stream)}
	}

	query := buildQuery(spec, afterBlock, c.opts.PageLimit)
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, &MalformedError{Reason: "marshal query", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &MalformedError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("indexer request: %w", err)}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("read indexer response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &TransientError{Err: fmt.Errorf("indexer status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))}
		}
		return nil, &MalformedError{Reason: fmt.Sprintf("indexer status %d", resp.StatusCode)}
	}

	var decoded eventResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, &MalformedError{Reason: "decode response", Err: err}
	}
	if len(decoded.Errors) > 0 {
		return nil, &MalformedError{Reason: "graphql error: " + decoded.Errors[0].Message}
	}

	events := make([]storage.LoanEvent, 0, len(decoded.Data.Event))
	for i, record := range decoded.Data.Event {
		ev, err := decodeRecord(record, stream)
		if err != nil {
			return nil, &MalformedError{Reason: fmt.Sprintf("record %d", i), Err: err}
		}
		if ev.Block <= afterBlock {
			return nil, &MalformedError{Reason: fmt.Sprintf("record %d block %d not beyond cursor %d", i, ev.Block, afterBlock)}
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Block < events[j].Block })

	c.logger.Debug().
		Str("stream", string(stream)).
		Uint64("after_block", afterBlock).
		Int("events", len(events)).
		Msg("fetched event page")

	return events, nil
}

func buildQuery(spec StreamSpec, afterBlock uint64, limit int) string {
	var b strings.Builder
	b.WriteString(`query {event(where: {name: {_eq: "`)
	b.WriteString(spec.EventName)
	b.WriteString(`"}, transmitter_contract: {_eq: "`)
	b.WriteString(spec.Contract)
	b.WriteString(`"}, transaction: {block_number: {_gt: `)
	b.WriteString(strconv.FormatUint(afterBlock, 10))
	b.WriteString(`}}}, limit: `)
	b.WriteString(strconv.Itoa(limit))
	b.WriteString(`, order_by: {transaction: {block_number: asc}}) {arguments {name value decimal} transaction {block_number block {timestamp}}}}`)
	return b.String()
}

type eventResponse struct {
	Data struct {
		Event []eventRecord `json:"event"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type eventRecord struct {
	Arguments []struct {
		Name    string `json:"name"`
		Value   string `json:"value"`
		Decimal string `json:"decimal"`
	} `json:"arguments"`
	Transaction struct {
		BlockNumber uint64 `json:"block_number"`
		Block       struct {
			Timestamp int64 `json:"timestamp"`
		} `json:"block"`
	} `json:"transaction"`
}

// decodeRecord maps the indexer's argument list onto a LoanEvent. The
// account comes from the raw value field; every other argument is a
// decimal integer with the protocol's 8-decimal scale.
func decodeRecord(record eventRecord, stream storage.Stream) (storage.LoanEvent, error) {
	if record.Transaction.BlockNumber == 0 {
		return storage.LoanEvent{}, fmt.Errorf("missing block number")
	}

	ev := storage.LoanEvent{
		Timestamp: time.Unix(record.Transaction.Block.Timestamp, 0).UTC(),
		Block:     record.Transaction.BlockNumber,
		Stream:    stream,
	}

	seen := make(map[string]bool, len(record.Arguments))
	for _, arg := range record.Arguments {
		seen[arg.Name] = true
		switch arg.Name {
		case "addy":
			ev.Account = arg.Value
		case "liquidate_me":
			flag, err := decimal.NewFromString(arg.Decimal)
			if err != nil {
				return storage.LoanEvent{}, fmt.Errorf("argument liquidate_me: %w", err)
			}
			ev.LiquidateMe = !flag.IsZero()
		default:
			dst, ok := scaledField(&ev, arg.Name)
			if !ok {
				// Unknown arguments are tolerated so contract upgrades
				// that add fields do not break ingestion.
				continue
			}
			parsed, err := fixedpoint.ParseScaled8(arg.Decimal)
			if err != nil {
				return storage.LoanEvent{}, fmt.Errorf("argument %s: %w", arg.Name, err)
			}
			*dst = parsed
		}
	}

	for _, required := range []string{"addy", "notional", "collateral", "start_ts", "reval_ts", "end_ts", "rate", "hist_accrual", "hist_repay", "liquidate_me"} {
		if !seen[required] {
			return storage.LoanEvent{}, fmt.Errorf("missing argument %s", required)
		}
	}
	if ev.Account == "" {
		return storage.LoanEvent{}, fmt.Errorf("empty account address")
	}

	return ev, nil
}

func scaledField(ev *storage.LoanEvent, name string) (*decimal.Decimal, bool) {
	switch name {
	case "notional":
		return &ev.Notional, true
	case "collateral":
		return &ev.Collateral, true
	case "start_ts":
		return &ev.StartTS, true
	case "reval_ts":
		return &ev.RevalTS, true
	case "end_ts":
		return &ev.EndTS, true
	case "rate":
		return &ev.Rate, true
	case "hist_accrual":
		return &ev.HistAccrual, true
	case "hist_repay":
		return &ev.HistRepay, true
	default:
		return nil, false
	}
}
