package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seqtrace/bioengine/internal/config"
	"github.com/seqtrace/bioengine/pkg/annotate"
	"github.com/seqtrace/bioengine/pkg/toolrunner"
)

func TestLoadToolsEmbeddedDefault(t *testing.T) {
	tools, err := loadTools("")
	require.NoError(t, err)

	assert.Equal(t, "tracy", tools.Aligner.Binary)
	assert.Contains(t, tools.Aligner.Args, "decompose")
	assert.Equal(t, []string{"alignment.json"}, tools.Aligner.Artifacts)
	assert.Equal(t, "bgzip", tools.Compressor.Binary)
	assert.Equal(t, "samtools", tools.Faidx.Binary)
}

func TestLoadToolsMissingManifest(t *testing.T) {
	_, err := loadTools(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool spec file not found")
}

// The recoder endpoint defaults to the annotation base URL, so the stock
// config (empty recoder_url, fallback enabled) must still reach a working
// fallback instead of issuing schemeless requests.
func TestBuildReconcilerDefaultsRecoderURL(t *testing.T) {
	const (
		original = "NM_000088.4:c.100G>A"
		genomic  = "NC_000017.11:g.48275363C>T"
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/variant_recoder/human/"):
			_, _ = w.Write([]byte(`[{"A": {"hgvsg": ["` + genomic + `"]}}]`))
		case r.URL.Path == "/vep/human/hgvs":
			var req struct {
				HGVSNotations []string `json:"hgvs_notations"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			// The primary knows nothing about the transcript descriptor;
			// only its genomic equivalent resolves.
			for _, v := range req.HGVSNotations {
				if v == genomic {
					_, _ = w.Write([]byte(`[{"input": "` + genomic + `", "transcript_consequences": [{"impact": "MODERATE", "gene_symbol": "COL1A1", "consequence_terms": ["missense_variant"]}]}]`))
					return
				}
			}
			_, _ = w.Write([]byte(`[]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rec := buildReconciler(config.Annotation{
		BaseURL:         srv.URL,
		RecoderURL:      "",
		BatchSize:       200,
		MaxRetries:      1,
		Timeout:         5 * time.Second,
		FallbackEnabled: true,
	}, zap.NewNop())

	result, err := rec.Reconcile(context.Background(), []string{original}, nil)
	require.NoError(t, err)

	require.Len(t, result.Annotated, 1)
	assert.Empty(t, result.Unannotated)
	assert.Equal(t, original, result.Annotated[0].Variant)
	assert.Equal(t, annotate.SourceFallback, result.Annotated[0].Source)
	assert.Equal(t, "COL1A1", result.Annotated[0].Consequence.GeneSymbol)
}

func TestDataDirHealthChecker(t *testing.T) {
	checker := dataDirHealthChecker{dir: filepath.Join(t.TempDir(), "data")}
	assert.NoError(t, checker.CheckHealth(context.Background()))
}

func TestToolsHealthCheckerMissingBinary(t *testing.T) {
	tools, err := loadTools("")
	require.NoError(t, err)
	tools.Aligner.Binary = "definitely-not-a-real-binary"

	checker := toolsHealthChecker{runner: toolrunner.New(t.TempDir(), nil), tools: tools}
	err = checker.CheckHealth(context.Background())
	require.Error(t, err)
	assert.True(t, toolrunner.IsUnavailable(err))
}
