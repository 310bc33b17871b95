// Package refstore resolves reference sequences for alignment jobs.
//
// A reference input is either a local FASTA path or a remote accession, which
// is fetched over HTTP and cached under the data directory. References at or
// above the index threshold are block-compressed and indexed with the
// external toolchain before use; indexing is idempotent, so re-resolving an
// already-indexed reference is a no-op success.
package refstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seqtrace/bioengine/pkg/toolrunner"
	"github.com/seqtrace/bioengine/pkg/toolspec"
)

// DefaultIndexThreshold is the reference size in bytes above which the
// aligner requires a prebuilt index (the tool rejects plain references
// larger than 50 kb).
const DefaultIndexThreshold = 50_000

// DefaultFetchURL is the NCBI efetch endpoint template; %s receives the
// accession.
const DefaultFetchURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/efetch.fcgi?db=nucleotide&rettype=fasta&retmode=text&id=%s"

// ErrInvalidReference indicates the input is neither a FASTA file nor a raw
// nucleotide sequence.
var ErrInvalidReference = errors.New("invalid reference input")

// Config configures a Store.
type Config struct {
	// CacheDir holds fetched references and derived index artifacts.
	CacheDir string

	// FetchURL is a template with one %s verb for the accession.
	// Default: DefaultFetchURL.
	FetchURL string

	// IndexThreshold is the reference size in bytes that triggers indexing.
	// Default: DefaultIndexThreshold.
	IndexThreshold int64

	// FetchTimeout bounds one remote fetch. Default: 60s.
	FetchTimeout time.Duration
}

// Store resolves and caches reference sequences.
type Store struct {
	cfg    Config
	client *http.Client
	runner *toolrunner.Runner
	tools  *toolspec.Spec
	logger *zap.Logger

	// mu serializes fetching and indexing; distinct jobs frequently share a
	// reference and must not race building the same artifacts.
	mu sync.Mutex
}

// New creates a reference store. runner and tools drive the external
// compressor/indexer invocations.
func New(cfg Config, runner *toolrunner.Runner, tools *toolspec.Spec, logger *zap.Logger) *Store {
	if cfg.FetchURL == "" {
		cfg.FetchURL = DefaultFetchURL
	}
	if cfg.IndexThreshold <= 0 {
		cfg.IndexThreshold = DefaultIndexThreshold
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		runner: runner,
		tools:  tools,
		logger: logger,
	}
}

// Resolve returns a usable on-disk FASTA path for the given reference input,
// fetching and caching remote accessions and indexing large references.
func (s *Store) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty input", ErrInvalidReference)
	}

	var path string
	var err error
	if _, statErr := os.Stat(ref); statErr == nil {
		path, err = s.sanitizeLocal(ref)
	} else {
		path, err = s.fetch(ctx, ref)
	}
	if err != nil {
		return "", err
	}
	return s.EnsureIndexed(ctx, path)
}

// sanitizeLocal validates a local reference file. Raw nucleotide content is
// promoted to FASTA with a synthetic header.
func (s *Store) sanitizeLocal(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(string(data))
	if strings.HasPrefix(content, ">") {
		return path, nil
	}
	if !isRawSequence(content) {
		return "", fmt.Errorf("%w: %s does not start with '>' and is not raw DNA", ErrInvalidReference, path)
	}

	promoted := filepath.Join(s.cacheDir(), "raw-"+filepath.Base(path)+".fasta")
	if err := os.MkdirAll(s.cacheDir(), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(promoted, []byte(">Reference_Sequence\n"+content+"\n"), 0644); err != nil {
		return "", err
	}
	return promoted, nil
}

// fetch downloads an accession and caches it. A cached copy is reused.
func (s *Store) fetch(ctx context.Context, accession string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached := filepath.Join(s.cacheDir(), accession+".fasta")
	if _, err := os.Stat(cached); err == nil {
		return cached, nil
	}
	if err := os.MkdirAll(s.cacheDir(), 0755); err != nil {
		return "", err
	}

	fetchURL := fmt.Sprintf(s.cfg.FetchURL, url.QueryEscape(accession))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return "", err
	}

	s.logger.Info("fetching reference",
		zap.String("accession", accession))

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch reference %s: %w", accession, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch reference %s: unexpected status %d", accession, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<20))
	if err != nil {
		return "", fmt.Errorf("fetch reference %s: %w", accession, err)
	}
	if !strings.HasPrefix(strings.TrimSpace(string(body)), ">") {
		return "", fmt.Errorf("%w: response for %s is not FASTA", ErrInvalidReference, accession)
	}

	tmp, err := os.CreateTemp(s.cacheDir(), accession+".fasta.tmp.*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, cached); err != nil {
		return "", err
	}
	return cached, nil
}

// EnsureIndexed compresses and indexes a reference when it crosses the size
// threshold, returning the path the aligner should consume. Existing index
// artifacts short-circuit the work.
func (s *Store) EnsureIndexed(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(path, ".gz") && info.Size() < s.cfg.IndexThreshold {
		return path, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	compressed := path
	if !strings.HasSuffix(path, ".gz") {
		compressed = path + ".gz"
	}
	indexPath := strings.TrimSuffix(compressed, ".gz") + ".fm9"
	faiPath := compressed + ".fai"

	if fileExists(compressed) && fileExists(indexPath) && fileExists(faiPath) {
		return compressed, nil
	}

	s.logger.Info("indexing large reference",
		zap.String("reference", path),
		zap.Int64("size", info.Size()))

	if !fileExists(compressed) {
		if _, err := s.runner.Invoke(ctx, toolrunner.Invocation{
			Tool:    s.tools.Compressor.Binary,
			Args:    s.tools.Compressor.Render(map[string]string{"reference": path}),
			Timeout: s.tools.Compressor.Timeout.Std(),
		}); err != nil {
			return "", fmt.Errorf("compress reference: %w", err)
		}
	}
	if !fileExists(indexPath) {
		if _, err := s.runner.Invoke(ctx, toolrunner.Invocation{
			Tool:    s.tools.Indexer.Binary,
			Args:    s.tools.Indexer.Render(map[string]string{"index": indexPath, "reference": compressed}),
			Timeout: s.tools.Indexer.Timeout.Std(),
		}); err != nil {
			return "", fmt.Errorf("index reference: %w", err)
		}
	}
	if !fileExists(faiPath) {
		if _, err := s.runner.Invoke(ctx, toolrunner.Invocation{
			Tool:    s.tools.Faidx.Binary,
			Args:    s.tools.Faidx.Render(map[string]string{"reference": compressed}),
			Timeout: s.tools.Faidx.Timeout.Std(),
		}); err != nil {
			return "", fmt.Errorf("faidx reference: %w", err)
		}
	}
	return compressed, nil
}

// Sequence returns the nucleotide sequence from a resolved FASTA path,
// stripped of headers and whitespace.
func (s *Store) Sequence(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ">") {
			continue
		}
		b.WriteString(line)
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: no sequence data in %s", ErrInvalidReference, path)
	}
	return b.String(), nil
}

func (s *Store) cacheDir() string {
	return s.cfg.CacheDir
}

func isRawSequence(content string) bool {
	for _, c := range content {
		switch c {
		case 'A', 'C', 'G', 'T', 'N', 'a', 'c', 'g', 't', 'n', '\n', '\r', ' ', '\t':
		default:
			return false
		}
	}
	return len(content) > 0
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
