package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"TWPull/internal/domain/models"
	"TWPull/internal/domain/repository"
	xhttp "TWPull/pkg/http"
	"TWPull/pkg/util"
)

// RecordsClient reads a JSON API that returns a list of daily records for
// an arbitrary date span, either bare or wrapped in {"data": [...]}.
type RecordsClient struct {
	opt options
	lim *rate.Limiter
}

var _ repository.Source = (*RecordsClient)(nil)

func NewRecordsClient(opts ...Option) *RecordsClient {
	o := buildOptions(opts)
	return &RecordsClient{opt: o, lim: o.limiter()}
}

func (c *RecordsClient) Name() string { return "records" }

func (c *RecordsClient) Fetch(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceRecord, error) {
	op := fmt.Sprintf("records %s %s..%s", symbol, util.FormatDate(start), util.FormatDate(end))
	if err := c.lim.Wait(ctx); err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.opt.requestTimeout)
	defer cancel()

	resp, err := c.opt.http.Fetch(reqCtx, &xhttp.RequestOptions{
		Method: xhttp.MethodGet,
		URL:    c.opt.baseURL + "/prices",
		QueryParams: map[string][]string{
			"symbol": {symbol},
			"start":  {util.FormatDate(start)},
			"end":    {util.FormatDate(end)},
		},
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, wrapTransport(ctx, op, err)
	}
	if resp.Status == 404 {
		return nil, nil
	}
	if err := checkResponse(op, resp); err != nil {
		return nil, err
	}

	rows, err := decodeRecords(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	recs, perrs := NormalizeRecords(symbol, rows)
	logParseErrors(c.opt.l, perrs)

	out := recs[:0]
	for _, r := range recs {
		if !r.Date.Before(util.Day(start)) && !r.Date.After(util.Day(end)) {
			out = append(out, r)
		}
	}
	return out, nil
}

func decodeRecords(body []byte) ([]map[string]any, error) {
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err == nil {
		return rows, nil
	}
	var wrapped struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return wrapped.Data, nil
}
