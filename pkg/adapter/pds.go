package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gopds/pkg/pdsexec"
	"github.com/3leaps/gopds/pkg/pdsjob"
	"github.com/3leaps/gopds/pkg/remotepoll"
)

// PDSClient talks to the job API of another product delegation server.
type PDSClient struct {
	BaseURL string
	Client  *http.Client
	Header  http.Header
	Limiter *rate.Limiter
}

// CreateRequest is the body of a remote job creation.
type CreateRequest struct {
	Owner         string `json:"owner"`
	Configuration string `json:"configuration,omitempty"`
}

// CreateResponse is returned by the remote job creation.
type CreateResponse struct {
	JobUUID uuid.UUID `json:"jobUUID"`
}

func (c *PDSClient) Create(ctx context.Context, req CreateRequest) (uuid.UUID, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal create request: %w", err)
	}
	var out CreateResponse
	if err := c.do(ctx, http.MethodPost, "/api/job/create", body, &out); err != nil {
		return uuid.Nil, err
	}
	if out.JobUUID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("remote create returned no job uuid")
	}
	return out.JobUUID, nil
}

func (c *PDSClient) MarkReadyToStart(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodPut, "/api/job/"+id.String()+"/mark-ready-to-start", nil, nil)
}

func (c *PDSClient) Cancel(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodPut, "/api/job/"+id.String()+"/cancel", nil, nil)
}

// StatusFetcher returns a fetcher for the remote job's status endpoint.
func (c *PDSClient) StatusFetcher(id uuid.UUID) *HTTPStatusFetcher {
	return &HTTPStatusFetcher{
		Client:     c.Client,
		URL:        c.endpoint("/api/job/" + id.String() + "/status"),
		StateField: "state",
		Header:     c.Header,
		Limiter:    c.Limiter,
	}
}

func (c *PDSClient) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

func (c *PDSClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	target := c.endpoint(path)
	if _, err := url.Parse(target); err != nil {
		return fmt.Errorf("invalid remote url %q: %w", target, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, values := range c.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// DelegatingRunner executes a job by handing it to a remote PDS and waiting
// for the remote job to finish.
type DelegatingRunner struct {
	client *PDSClient
	poller *remotepoll.Poller
	hooks  remotepoll.Hooks
	logger *zap.Logger
}

func NewDelegatingRunner(client *PDSClient, poller *remotepoll.Poller, logger *zap.Logger) *DelegatingRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DelegatingRunner{client: client, poller: poller, hooks: PDSHooks(), logger: logger}
}

func (r *DelegatingRunner) Run(ctx context.Context, job pdsjob.Job) (pdsexec.Outcome, error) {
	log := r.logger.With(zap.String("job_uuid", job.UUID.String()))

	remoteID, err := r.client.Create(ctx, CreateRequest{Owner: job.Owner, Configuration: job.Configuration})
	if err != nil {
		return pdsexec.Outcome{}, fmt.Errorf("create remote job: %w", err)
	}
	log = log.With(zap.String("remote_job_uuid", remoteID.String()))

	if err := r.client.MarkReadyToStart(ctx, remoteID); err != nil {
		return pdsexec.Outcome{}, fmt.Errorf("start remote job: %w", err)
	}
	log.Info("Delegated job to remote server")

	fetcher := r.client.StatusFetcher(remoteID)
	stats, err := r.poller.WaitForOK(ctx, fetcher, r.hooks)
	if err != nil {
		if ctx.Err() != nil {
			r.cancelRemote(log, remoteID)
			return pdsexec.Outcome{}, fmt.Errorf("wait for remote job %s: %w", remoteID, ctx.Err())
		}
		return pdsexec.Outcome{}, fmt.Errorf("wait for remote job %s: %w", remoteID, err)
	}

	outcome := pdsexec.Outcome{Result: pdsjob.ResultOK}
	if light, ok := fetcher.LastField("trafficLight"); ok {
		outcome.TrafficLight = pdsjob.TrafficLight(light)
	}
	log.Info("Remote job done", zap.Int("polls", stats.Attempts), zap.Duration("elapsed", stats.Elapsed))
	return outcome, nil
}

func (r *DelegatingRunner) cancelRemote(log *zap.Logger, id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.client.Cancel(ctx, id); err != nil {
		log.Warn("Remote cancel failed", zap.Error(err))
	}
}
