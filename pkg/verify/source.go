package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm/integrity/pkg/database"
	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
)

// Source supplies events to the checks. to == 0 means through the head.
type Source interface {
	Events(ctx context.Context, from, to uint64) ([]ledger.Event, error)
	Head(ctx context.Context) (uint64, error)
}

// FileSource reads an exported bundle from disk.
type FileSource struct {
	Bundle *Bundle
}

func OpenFile(path string) (*FileSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("verify: read %s: %w", path, err)
	}
	b, err := ParseBundle(raw)
	if err != nil {
		return nil, fmt.Errorf("verify: %s: %w", path, err)
	}
	return &FileSource{Bundle: b}, nil
}

func (f *FileSource) Events(_ context.Context, from, to uint64) ([]ledger.Event, error) {
	return window(f.Bundle.Events, from, to), nil
}

func (f *FileSource) Head(context.Context) (uint64, error) {
	var head uint64
	for _, ev := range f.Bundle.Events {
		if ev.Sequence > head {
			head = ev.Sequence
		}
	}
	return head, nil
}

// ReaderSource adapts any ledger.Reader, such as a local SQLite copy.
type ReaderSource struct {
	Reader ledger.Reader
	closer io.Closer
}

func NewReaderSource(r ledger.Reader) *ReaderSource {
	return &ReaderSource{Reader: r}
}

// OpenSQLite opens a local ledger database. Only the read side is used.
func OpenSQLite(ctx context.Context, path string) (*ReaderSource, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("verify: local db: %w", err)
	}
	db, err := database.Open(ctx, database.ConnectionConfig{
		Driver: database.DriverSQLite,
		DSN:    path,
	})
	if err != nil {
		return nil, err
	}
	return &ReaderSource{Reader: ledger.NewSQLStore(db), closer: db}, nil
}

func (s *ReaderSource) Events(ctx context.Context, from, to uint64) ([]ledger.Event, error) {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		head, err := s.Reader.GetMaxSequence(ctx)
		if err != nil {
			return nil, err
		}
		to = head
	}
	if to < from {
		return nil, nil
	}
	return s.Reader.GetEventsInRange(ctx, from, to)
}

func (s *ReaderSource) Head(ctx context.Context) (uint64, error) {
	return s.Reader.GetMaxSequence(ctx)
}

func (s *ReaderSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// APISource pages events from a running integrity service. Requests are
// rate limited; rps <= 0 disables the limit.
type APISource struct {
	base     *url.URL
	client   *http.Client
	limiter  *rate.Limiter
	pageSize uint64
}

const DefaultPageSize = 500

func NewAPISource(baseURL string, rps float64, burst int) (*APISource, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("verify: invalid api url %q", baseURL)
	}
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &APISource{
		base:     u,
		client:   &http.Client{Timeout: 30 * time.Second},
		limiter:  rate.NewLimiter(limit, burst),
		pageSize: DefaultPageSize,
	}, nil
}

func (a *APISource) WithHTTPClient(c *http.Client) *APISource {
	a.client = c
	return a
}

func (a *APISource) WithPageSize(n uint64) *APISource {
	if n > 0 {
		a.pageSize = n
	}
	return a
}

type headResponse struct {
	Data struct {
		Sequence uint64 `json:"sequence"`
	} `json:"data"`
}

type eventsResponse struct {
	Data []ledger.Event `json:"data"`
}

func (a *APISource) Head(ctx context.Context) (uint64, error) {
	var out headResponse
	if err := a.get(ctx, "/v1/ledger/head", nil, &out); err != nil {
		return 0, err
	}
	return out.Data.Sequence, nil
}

func (a *APISource) Events(ctx context.Context, from, to uint64) ([]ledger.Event, error) {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		head, err := a.Head(ctx)
		if err != nil {
			return nil, err
		}
		to = head
	}
	var all []ledger.Event
	for start := from; start <= to; start += a.pageSize {
		end := start + a.pageSize - 1
		if end > to {
			end = to
		}
		q := url.Values{}
		q.Set("from", strconv.FormatUint(start, 10))
		q.Set("to", strconv.FormatUint(end, 10))
		var page eventsResponse
		if err := a.get(ctx, "/v1/ledger/events", q, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Data...)
	}
	return all, nil
}

func (a *APISource) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("verify: rate limiter: %w", err)
	}
	u := *a.base
	u.Path += path
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("verify: GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("verify: GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("verify: decode %s: %w", path, err)
	}
	return nil
}
