package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"TWPull/internal/domain/models"
	"TWPull/internal/domain/repository"
	xhttp "TWPull/pkg/http"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/util"
)

// blockSignatures are fragments of the exchange's security/anti-bot pages.
var blockSignatures = [][]byte{
	[]byte("THE PAGE CANNOT BE ACCESSED"),
	[]byte("The requested URL was rejected"),
	[]byte("Request Rejected"),
	[]byte("安全性考量"),
	[]byte("您的連線已被拒絕"),
}

// Option configures a source client.
type Option func(*options)

type options struct {
	baseURL        string
	requestTimeout time.Duration
	perSecond      float64
	http           *xhttp.Client
	l              *applogger.Logger
}

func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = strings.TrimRight(u, "/") }
}

// WithRequestTimeout bounds every single upstream call.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithRequestsPerSecond paces month requests issued by one Fetch. Zero disables.
func WithRequestsPerSecond(n float64) Option {
	return func(o *options) { o.perSecond = n }
}

func WithHTTPClient(c *xhttp.Client) Option {
	return func(o *options) { o.http = c }
}

func WithLogger(l *applogger.Logger) Option {
	return func(o *options) { o.l = l }
}

func buildOptions(opts []Option) options {
	o := options{
		baseURL:        "https://www.twse.com.tw",
		requestTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.http == nil {
		o.http = xhttp.NewClient(xhttp.WithTimeout(o.requestTimeout), xhttp.WithUserAgent("Mozilla/5.0 (compatible; twpull/1.0)"))
	}
	if o.l == nil {
		o.l = applogger.Nop()
	}
	return o
}

func (o options) limiter() *rate.Limiter {
	if o.perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(o.perSecond), 1)
}

// TWSEClient reads the exchange's monthly STOCK_DAY report, one request per month.
type TWSEClient struct {
	opt options
	lim *rate.Limiter
}

var _ repository.Source = (*TWSEClient)(nil)

func NewTWSEClient(opts ...Option) *TWSEClient {
	o := buildOptions(opts)
	return &TWSEClient{opt: o, lim: o.limiter()}
}

func (c *TWSEClient) Name() string { return "twse" }

type stockDayResponse struct {
	Stat   string     `json:"stat"`
	Date   string     `json:"date"`
	Title  string     `json:"title"`
	Fields []string   `json:"fields"`
	Data   [][]string `json:"data"`
}

// Fetch returns the bars in [start, end], requesting each covered month in order.
func (c *TWSEClient) Fetch(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceRecord, error) {
	start, end = util.Day(start), util.Day(end)
	var out []models.PriceRecord
	for m := util.MonthStart(start); !m.After(end); m = m.AddDate(0, 1, 0) {
		if err := c.lim.Wait(ctx); err != nil {
			return nil, err
		}
		recs, err := c.fetchMonth(ctx, symbol, m)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if !r.Date.Before(start) && !r.Date.After(end) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (c *TWSEClient) fetchMonth(ctx context.Context, symbol string, month time.Time) ([]models.PriceRecord, error) {
	op := fmt.Sprintf("twse %s %s", symbol, month.Format("2006-01"))
	reqCtx, cancel := context.WithTimeout(ctx, c.opt.requestTimeout)
	defer cancel()

	resp, err := c.opt.http.Fetch(reqCtx, &xhttp.RequestOptions{
		Method: xhttp.MethodGet,
		URL:    c.opt.baseURL + "/exchangeReport/STOCK_DAY",
		QueryParams: map[string][]string{
			"response": {"json"},
			"date":     {month.Format("20060102")},
			"stockNo":  {stockNo(symbol)},
		},
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		return nil, wrapTransport(ctx, op, err)
	}
	if err := checkResponse(op, resp); err != nil {
		return nil, err
	}

	var payload stockDayResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	if payload.Stat != "OK" {
		c.opt.l.Debug("no data for month",
			applogger.String("symbol", symbol),
			applogger.String("month", month.Format("2006-01")),
			applogger.String("stat", payload.Stat),
		)
		return nil, nil
	}

	recs, perrs := NormalizeTWSEDaily(symbol, payload.Fields, payload.Data)
	logParseErrors(c.opt.l, perrs)
	return recs, nil
}

// checkResponse maps status codes and security pages onto the error taxonomy.
func checkResponse(op string, resp *xhttp.Response) error {
	if isBlockedPage(resp.Body) {
		return fmt.Errorf("%s: %w", op, ErrBlocked)
	}
	switch {
	case resp.Status == 429 || resp.Status >= 500:
		return &TransientError{Op: op, Status: resp.Status}
	case resp.Status >= 400:
		return &StatusError{Op: op, Status: resp.Status}
	}
	return nil
}

func isBlockedPage(body []byte) bool {
	head := body
	if len(head) > 64<<10 {
		head = head[:64<<10]
	}
	for _, sig := range blockSignatures {
		if bytes.Contains(head, sig) {
			return true
		}
	}
	return false
}

func logParseErrors(l *applogger.Logger, errs []*ParseError) {
	for _, e := range errs {
		l.Warn("dropped unparseable upstream row",
			applogger.String("symbol", e.Symbol),
			applogger.String("raw", e.Raw),
			applogger.Error(e.Err),
		)
	}
}

// stockNo strips the exchange suffix: "2330.TW" -> "2330".
func stockNo(symbol string) string {
	if i := strings.IndexByte(symbol, '.'); i > 0 {
		return symbol[:i]
	}
	return symbol
}
