// Package annotate calls external variant-annotation services and reconciles
// their results into one consistent per-variant outcome set.
//
// The Client speaks to a VEP-style consequence-prediction REST endpoint with
// request batching, rate limiting, and retry with backoff. The Reconciler
// drives the per-variant fallback state machine across a primary and an
// optional fallback source. The Mapper performs single-item nomenclature
// lookups against a transcript-archive service.
package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClientConfig configures an annotation source client.
type ClientConfig struct {
	// BaseURL is the service root, e.g. "https://rest.ensembl.org".
	BaseURL string

	// Path is the consequence endpoint path.
	// Default: "/vep/human/hgvs".
	Path string

	// Source names this client in outcomes and errors.
	// Default: SourcePrimary.
	Source SourceName

	// BatchSize is the documented per-request variant limit.
	// Default: 200. Use 1 for a strictly per-item source.
	BatchSize int

	// MaxRetries bounds retry attempts for transient failures.
	// Default: 3.
	MaxRetries int

	// Backoff is the base delay between retries; it doubles per attempt.
	// Default: 2s.
	Backoff time.Duration

	// Timeout bounds a single HTTP request. Default: 30s.
	Timeout time.Duration

	// RateLimit caps requests per second against the remote service.
	// Zero means unlimited.
	RateLimit float64
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Path == "" {
		c.Path = "/vep/human/hgvs"
	}
	if c.Source == "" {
		c.Source = SourcePrimary
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Client calls a consequence-prediction REST endpoint.
//
// Client is safe for concurrent use.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a client for an annotation source.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c
}

// Name returns the source identifier for outcomes.
func (c *Client) Name() SourceName {
	return c.cfg.Source
}

// Annotate requests consequences for the given variants.
//
// The variant list is split into sub-batches of at most BatchSize; sub-batch
// failures are independent, so one failing chunk does not abort its siblings.
// Failures are folded into per-variant entries in the result; the only error
// returned is context cancellation.
func (c *Client) Annotate(ctx context.Context, variants []string) (*SourceResult, error) {
	result := &SourceResult{
		Annotations: make(map[string]*Annotation),
		Errors:      make(map[string]error),
	}

	for start := 0; start < len(variants); start += c.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + c.cfg.BatchSize
		if end > len(variants) {
			end = len(variants)
		}
		chunk := variants[start:end]

		records, err := c.annotateChunk(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			for _, v := range chunk {
				result.Errors[v] = err
			}
			continue
		}
		for input, ann := range records {
			result.Annotations[input] = ann
		}
	}
	return result, nil
}

type vepRequest struct {
	HGVSNotations     []string `json:"hgvs_notations"`
	IgnoreInvalid     int      `json:"ignore_invalid"`
	RefSeq            int      `json:"refseq"`
	MANE              int      `json:"mane"`
	SIFT              string   `json:"sift"`
	PolyPhen          string   `json:"polyphen"`
	Symbol            int      `json:"symbol"`
	TranscriptVersion int      `json:"transcript_version"`
}

type vepTranscript struct {
	Impact             string   `json:"impact"`
	GeneSymbol         string   `json:"gene_symbol"`
	ConsequenceTerms   []string `json:"consequence_terms"`
	HGVSc              string   `json:"hgvsc"`
	HGVSp              string   `json:"hgvsp"`
	SIFTPrediction     string   `json:"sift_prediction"`
	SIFTScore          *float64 `json:"sift_score"`
	PolyPhenPrediction string   `json:"polyphen_prediction"`
	PolyPhenScore      *float64 `json:"polyphen_score"`
	MANESelect         string   `json:"mane_select"`
}

type vepColocated struct {
	ClinSig []string `json:"clin_sig"`
}

type vepRecord struct {
	Input                  string          `json:"input"`
	TranscriptConsequences []vepTranscript `json:"transcript_consequences"`
	ColocatedVariants      []vepColocated  `json:"colocated_variants"`
}

// annotateChunk issues one batch request with retry/backoff and parses the
// response into per-variant annotations keyed by input descriptor.
func (c *Client) annotateChunk(ctx context.Context, chunk []string) (map[string]*Annotation, error) {
	body, err := json.Marshal(vepRequest{
		HGVSNotations:     chunk,
		IgnoreInvalid:     1,
		RefSeq:            1,
		MANE:              1,
		SIFT:              "b",
		PolyPhen:          "b",
		Symbol:            1,
		TranscriptVersion: 1,
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.Backoff << (attempt - 1)
			if !sleepCtx(ctx, delay) {
				return nil, ctx.Err()
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		records, retryAfter, err := c.doRequest(ctx, body)
		if err == nil {
			return c.distill(records), nil
		}
		if IsRejected(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err

		// A 429 dictates its own pacing; obey Retry-After instead of the
		// exponential schedule.
		if retryAfter > 0 {
			if !sleepCtx(ctx, retryAfter) {
				return nil, ctx.Err()
			}
		}
		c.logger.Warn("annotation request failed, retrying",
			zap.String("source", string(c.cfg.Source)),
			zap.Int("attempt", attempt+1),
			zap.Int("variants", len(chunk)),
			zap.Error(err))
	}
	return nil, lastErr
}

// doRequest performs one HTTP round trip. The returned duration is a
// server-dictated retry delay (from a 429 Retry-After header), zero
// otherwise.
func (c *Client) doRequest(ctx context.Context, body []byte) ([]vepRecord, time.Duration, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &SourceError{Source: c.cfg.Source, Err: fmt.Errorf("%w: %v", ErrTransient, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, 0, &SourceError{Source: c.cfg.Source, Err: fmt.Errorf("%w: %v", ErrTransient, err)}
		}
		var records []vepRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, 0, &SourceError{Source: c.cfg.Source, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("%w: malformed response: %v", ErrRejected, err)}
		}
		return records, 0, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, retryAfter, &SourceError{Source: c.cfg.Source, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: rate limited", ErrTransient)}

	case resp.StatusCode >= 500:
		return nil, 0, &SourceError{Source: c.cfg.Source, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: server error", ErrTransient)}

	default:
		return nil, 0, &SourceError{Source: c.cfg.Source, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("%w: client error", ErrRejected)}
	}
}

// distill selects the most severe transcript consequence per record.
func (c *Client) distill(records []vepRecord) map[string]*Annotation {
	out := make(map[string]*Annotation, len(records))
	now := time.Now().UTC()

	for _, rec := range records {
		if rec.Input == "" {
			continue
		}
		ann := &Annotation{
			Variant:     rec.Input,
			Source:      c.cfg.Source,
			RetrievedAt: now,
		}

		var best *vepTranscript
		bestScore := -1
		for i := range rec.TranscriptConsequences {
			tc := &rec.TranscriptConsequences[i]
			score := rankImpact(tc.Impact)
			isMANE := tc.MANESelect != ""
			// MANE Select transcripts win ties: they are the canonical
			// clinical reporting transcript.
			if score > bestScore || (score == bestScore && isMANE) {
				bestScore = score
				best = tc
			}
		}
		if best != nil {
			ann.Consequence = Consequence{
				GeneSymbol: best.GeneSymbol,
				Terms:      strings.Join(best.ConsequenceTerms, ", "),
				Impact:     best.Impact,
				HGVSc:      best.HGVSc,
				HGVSp:      best.HGVSp,
				MANESelect: best.MANESelect != "",
			}
			if best.SIFTPrediction != "" && best.SIFTScore != nil {
				ann.Consequence.SIFT = fmt.Sprintf("%s (%g)", best.SIFTPrediction, *best.SIFTScore)
			}
			if best.PolyPhenPrediction != "" && best.PolyPhenScore != nil {
				ann.Consequence.PolyPhen = fmt.Sprintf("%s (%g)", best.PolyPhenPrediction, *best.PolyPhenScore)
			}
		}

		clinSig := make(map[string]struct{})
		for _, cv := range rec.ColocatedVariants {
			for _, sig := range cv.ClinSig {
				clinSig[strings.ReplaceAll(sig, "_", " ")] = struct{}{}
			}
		}
		for sig := range clinSig {
			ann.Consequence.ClinSig = append(ann.Consequence.ClinSig, sig)
		}
		sort.Strings(ann.Consequence.ClinSig)

		out[rec.Input] = ann
	}
	return out
}

// rankImpact orders VEP impact classes by clinical severity.
func rankImpact(impact string) int {
	switch strings.ToUpper(impact) {
	case "HIGH":
		return 4
	case "MODERATE":
		return 3
	case "LOW":
		return 2
	case "MODIFIER":
		return 1
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
