package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ci-harness/ci-harness/report"
)

// Metadata identifies the run a coverage payload belongs to.
type Metadata struct {
	Job    string
	RunID  string
	Status string
}

// CoverageUploader sends a coverage report to an external aggregation
// service.
type CoverageUploader interface {
	Upload(ctx context.Context, cov *report.CoverageReport, meta Metadata) error
}

const (
	defaultUploadTimeout = 30 * time.Second
	maxUploadRetries     = 4
)

// HTTPUploader posts coverage payloads to an aggregation endpoint with
// bounded exponential backoff. Retrying here is safe because the upload is
// idempotent per run ID and the whole step is best-effort anyway.
type HTTPUploader struct {
	endpoint string
	client   *http.Client
	log      *zap.SugaredLogger
}

// NewHTTPUploader creates an uploader for the given endpoint.
func NewHTTPUploader(endpoint string, log *zap.SugaredLogger) (*HTTPUploader, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("coverage endpoint is required")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &HTTPUploader{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultUploadTimeout},
		log:      log,
	}, nil
}

// coveragePayload is the wire format accepted by the aggregation service.
type coveragePayload struct {
	Job     string                  `json:"job"`
	RunID   string                  `json:"run_id"`
	Status  string                  `json:"status"`
	Scope   string                  `json:"scope,omitempty"`
	Percent float64                 `json:"percent"`
	Files   map[string]fileCoverage `json:"files"`
}

type fileCoverage struct {
	Covered   int `json:"covered"`
	Uncovered int `json:"uncovered"`
}

// Upload implements the CoverageUploader interface.
func (u *HTTPUploader) Upload(ctx context.Context, cov *report.CoverageReport, meta Metadata) error {
	payload := coveragePayload{
		Job:     meta.Job,
		RunID:   meta.RunID,
		Status:  meta.Status,
		Scope:   cov.Scope,
		Percent: cov.Percent(),
		Files:   make(map[string]fileCoverage, len(cov.Files)),
	}
	for path, f := range cov.Files {
		payload.Files[path] = fileCoverage{Covered: f.Covered, Uncovered: f.Uncovered}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling coverage payload: %w", err)
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := u.post(ctx, body)
		if err != nil {
			u.log.Debugw("Coverage upload attempt failed", "attempt", attempt, "error", err)
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxUploadRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return fmt.Errorf("uploading coverage after %d attempts: %w", attempt, err)
	}

	u.log.Infow("Coverage uploaded", "job", meta.Job, "run_id", meta.RunID, "percent", fmt.Sprintf("%.1f%%", payload.Percent))
	return nil
}

func (u *HTTPUploader) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building upload request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting coverage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("coverage service returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// The payload will not get better on retry.
		return backoff.Permanent(err)
	}
	return err
}

var _ CoverageUploader = &HTTPUploader{}
