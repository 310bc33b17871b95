package annotate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MapperConfig configures a nomenclature lookup client.
type MapperConfig struct {
	// BaseURL is the service root, e.g. "https://rest.ensembl.org".
	BaseURL string

	// Path is the recoder endpoint prefix; the variant descriptor is
	// appended as a path segment. Default: "/variant_recoder/human".
	Path string

	// MaxRetries bounds retry attempts for transient failures. Default: 2.
	MaxRetries int

	// Backoff is the base delay between retries. Default: 1s.
	Backoff time.Duration

	// Timeout bounds a single HTTP request. Default: 15s.
	Timeout time.Duration

	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64
}

func (c MapperConfig) withDefaults() MapperConfig {
	if c.Path == "" {
		c.Path = "/variant_recoder/human"
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	return c
}

// Mapper resolves variant descriptors to their genomic-coordinate
// equivalents through a recoder-style REST endpoint. The endpoint accepts
// one descriptor per request, so Mapper is strictly per-item.
//
// Mapper is safe for concurrent use.
type Mapper struct {
	cfg     MapperConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewMapper creates a nomenclature lookup client.
func NewMapper(cfg MapperConfig, logger *zap.Logger) *Mapper {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mapper{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	if cfg.RateLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return m
}

// Resolve maps one variant descriptor to its genomic equivalents.
func (m *Mapper) Resolve(ctx context.Context, variant string) (*Mapping, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, m.cfg.Backoff<<(attempt-1)) {
				return nil, ctx.Err()
			}
		}
		if m.limiter != nil {
			if err := m.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		mapping, err := m.resolveOnce(ctx, variant)
		if err == nil {
			return mapping, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
		m.logger.Warn("nomenclature lookup failed, retrying",
			zap.String("variant", variant),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// recoder responses are a list of per-allele objects keyed by allele, each
// holding hgvsg/hgvsc/hgvsp string lists.
type recoderAllele map[string]json.RawMessage

func (m *Mapper) resolveOnce(ctx context.Context, variant string) (*Mapping, error) {
	u := strings.TrimRight(m.cfg.BaseURL, "/") + m.cfg.Path + "/" + url.PathEscape(variant)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", ErrTransient, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var alleles []recoderAllele
	if err := json.Unmarshal(data, &alleles); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrRejected, err)
	}

	mapping := &Mapping{Input: variant}
	seen := make(map[string]struct{})
	for _, allele := range alleles {
		for key, raw := range allele {
			if key == "warnings" || key == "input" {
				continue
			}
			var fields struct {
				HGVSG []string `json:"hgvsg"`
				HGVSC []string `json:"hgvsc"`
			}
			if err := json.Unmarshal(raw, &fields); err != nil {
				continue
			}
			for _, g := range fields.HGVSG {
				if _, ok := seen[g]; ok {
					continue
				}
				seen[g] = struct{}{}
				mapping.Genomic = append(mapping.Genomic, g)
			}
			for _, c := range fields.HGVSC {
				if _, ok := seen[c]; ok {
					continue
				}
				seen[c] = struct{}{}
				mapping.Variants = append(mapping.Variants, c)
			}
		}
	}
	if len(mapping.Genomic) == 0 && len(mapping.Variants) == 0 {
		return nil, fmt.Errorf("%w: no equivalents for %q", ErrRejected, variant)
	}
	return mapping, nil
}
