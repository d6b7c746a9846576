package searchlog

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/coreshub/imaas-gateway/common/config"
)

// Index name prefixes. Documents land in daily indices,
// e.g. imaas_api_log-2026.08.24.
const (
	APILogIndex     = "imaas_api_log"
	BillingLogIndex = "imaas_billing_log"
)

// Writer stores raw usage and billing documents. A nil *Store is a valid
// no-op writer, used when the search store is disabled.
type Writer interface {
	BulkIndex(ctx context.Context, prefix string, docs []map[string]any) error
}

// Store writes documents to opensearch daily indices.
type Store struct {
	client *opensearch.Client
}

// New builds a store from configuration. Returns nil (a no-op writer) when
// the search store is disabled.
func New() (*Store, error) {
	if !config.OpenSearchEnabled {
		return nil, nil
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{config.OpenSearchHost},
		Username:  config.OpenSearchUser,
		Password:  config.OpenSearchPassword,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create opensearch client failed")
	}
	return &Store{client: client}, nil
}

// DailyIndex returns the index name for today.
func DailyIndex(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, time.Now().UTC().Format("2006.01.02"))
}

// BulkIndex writes docs to the daily index of prefix in one bulk request.
func (s *Store) BulkIndex(ctx context.Context, prefix string, docs []map[string]any) error {
	if s == nil || len(docs) == 0 {
		return nil
	}

	index := DailyIndex(prefix)
	var buf bytes.Buffer
	for _, doc := range docs {
		meta := fmt.Sprintf(`{"index":{"_index":%q}}`, index)
		buf.WriteString(meta)
		buf.WriteByte('\n')
		line, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrap(err, "marshal log document failed")
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	req := opensearchapi.BulkRequest{Body: &buf}
	resp, err := req.Do(ctx, s.client)
	if err != nil {
		return errors.Wrap(err, "bulk index failed")
	}
	defer resp.Body.Close()
	if resp.IsError() {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("bulk index failed: %s: %s", resp.Status(), body)
	}

	gmw.GetLogger(ctx).Debug("indexed log documents",
		zap.String("index", index), zap.Int("count", len(docs)))
	return nil
}

// DeleteExpiredIndices drops daily indices older than the retention window.
func (s *Store) DeleteExpiredIndices(ctx context.Context, prefix string, keepDays int) error {
	if s == nil {
		return nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)
	index := fmt.Sprintf("%s-%s", prefix, cutoff.Format("2006.01.02"))

	req := opensearchapi.IndicesDeleteRequest{
		Index:             []string{index},
		IgnoreUnavailable: opensearchapi.BoolPtr(true),
	}
	resp, err := req.Do(ctx, s.client)
	if err != nil {
		return errors.Wrapf(err, "delete index %s failed", index)
	}
	defer resp.Body.Close()
	return nil
}
