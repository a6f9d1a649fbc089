package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/negotiation-hub/negotiation-hub/internal/config"
)

// joinCluster asks the member at cfg.Raft.JoinEndpoint to add this node as a
// voter, retrying until it succeeds or the retries run out.
func joinCluster(ctx context.Context, cfg *config.Config) error {
	endpoint := strings.TrimRight(cfg.Raft.JoinEndpoint, "/") + "/v1/raft/join"
	body, err := json.Marshal(map[string]string{
		"node_id":   cfg.Raft.NodeID,
		"raft_addr": cfg.Raft.Addr,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for i := 0; i < cfg.Raft.JoinRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Raft.JoinRetryDelay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if cfg.API.ManagementToken != "" {
			req.Header.Set("Authorization", "Bearer "+cfg.API.ManagementToken)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}
