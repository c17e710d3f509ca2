// Package tally drives the external tally service: launching tallies for
// finished auth events and reconciling their progress back onto the event
// rows.
package tally

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"voteauth.org/internal/khmac"
)

// Client talks to the tally service API. Calls authenticate with a signed
// per-election authorization token.
type Client struct {
	base   string
	http   *http.Client
	signer *khmac.Signer
}

// NewClient builds a client for the service at base. All calls are bounded
// by timeout.
func NewClient(base string, timeout time.Duration, signer *khmac.Signer) *Client {
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: timeout},
		signer: signer,
	}
}

func (c *Client) authorization(electionID int64) string {
	return c.signer.Sign(fmt.Sprintf("1:AuthEvent:%d:tally", electionID))
}

// Launch posts the voter id list that starts the tally for an election.
func (c *Client) Launch(ctx context.Context, electionID int64, voterIDs []string) error {
	if voterIDs == nil {
		voterIDs = []string{}
	}
	body, err := json.Marshal(voterIDs)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/election/%d/tally-voter-ids", c.base, electionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authorization(electionID))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("launch tally for election %d: %w", electionID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("launch tally for election %d: status %d", electionID, resp.StatusCode)
	}
	return nil
}

// Status fetches the election and returns its payload state.
func (c *Client) Status(ctx context.Context, electionID int64) (string, error) {
	url := fmt.Sprintf("%s/api/election/%d", c.base, electionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.authorization(electionID))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("election %d status: %w", electionID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("election %d status: status %d", electionID, resp.StatusCode)
	}

	var doc struct {
		Payload struct {
			State string `json:"state"`
		} `json:"payload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("election %d status: %w", electionID, err)
	}
	return doc.Payload.State, nil
}
