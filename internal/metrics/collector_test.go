package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counts(t *testing.T) {
	c := NewCollector("test")

	c.RecordStored("episodic")
	c.RecordStored("episodic")
	c.RecordStored("semantic")
	c.StoreFailed("provider")
	c.CorruptEmbedding()
	c.ConsolidationRun("ok", 2, 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.recordsStored.WithLabelValues("episodic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recordsStored.WithLabelValues("semantic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.storeFailures.WithLabelValues("provider")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.corruptEmbeddings))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.consolidatedGroups))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.consolidatedRecs))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.RecordStored("episodic")
	c.Retrieval("", time.Millisecond)
	c.ConsolidationRun("error", 0, 0)
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("troupe")
	c.Retrieval("", 10*time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.True(t, strings.Contains(string(body), `troupe_retrievals_total{type="all"} 1`))
}
