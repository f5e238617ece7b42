// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qvtbox/qvtbox-go/internal/gateway"
	"github.com/qvtbox/qvtbox-go/internal/util"
)

// Delivery errors. Submit joins the ones that occurred.
var (
	ErrRelayFailed = errors.New("contact: form relay delivery failed")
	ErrLeadFailed  = errors.New("contact: storing lead failed")
)

// RelayTimeout bounds one relay request.
const RelayTimeout = 10 * time.Second

const maxRelayResponse = 4 * 1024

// Config configures a Service.
type Config struct {
	// RelayURL receives the submission as JSON. Empty disables the relay.
	RelayURL string
	// Email is the address used for the mailto: fallback.
	Email  string
	Client *http.Client
	Logger *slog.Logger
}

// Result reports what each branch of a submission achieved.
type Result struct {
	LeadID     string `json:"lead_id,omitempty"`
	LeadStored bool   `json:"lead_stored"`
	Relayed    bool   `json:"relayed"`
	MailtoURL  string `json:"mailto_url,omitempty"`
}

// Service delivers contact submissions.
type Service struct {
	rows     gateway.Rows
	relayURL string
	email    string
	client   *http.Client
	logger   *slog.Logger
}

// NewService creates a contact service. Without a client, outbound
// requests go through a client that refuses private addresses.
func NewService(rows gateway.Rows, cfg Config) *Service {
	if cfg.Client == nil {
		cfg.Client = util.NewOutboundClient(RelayTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		rows:     rows,
		relayURL: cfg.RelayURL,
		email:    cfg.Email,
		client:   cfg.Client,
		logger:   cfg.Logger,
	}
}

// Email returns the fallback address.
func (s *Service) Email() string { return s.email }

// Submit validates sub, then posts it to the relay and stores the lead
// concurrently. Both writes run to completion; when either fails the
// returned error wraps the failed branches and Result.MailtoURL is set.
// A *ValidationError is returned before any write.
func (s *Service) Submit(ctx context.Context, sub Submission) (Result, error) {
	sub, err := sub.Normalize()
	if err != nil {
		return Result{}, err
	}

	var (
		res               Result
		leadErr, relayErr error
		g                 errgroup.Group
	)
	g.Go(func() error {
		res.LeadID, leadErr = s.storeLead(ctx, sub)
		return nil
	})
	if s.relayURL != "" {
		g.Go(func() error {
			relayErr = s.relay(ctx, sub)
			return nil
		})
	}
	_ = g.Wait()

	res.LeadStored = leadErr == nil
	res.Relayed = s.relayURL != "" && relayErr == nil

	var errs []error
	if leadErr != nil {
		s.logger.Warn("contact lead insert failed", "error", leadErr, "email", sub.Email)
		errs = append(errs, fmt.Errorf("%w: %w", ErrLeadFailed, leadErr))
	}
	if relayErr != nil {
		s.logger.Warn("contact relay failed", "error", relayErr, "email", sub.Email)
		errs = append(errs, fmt.Errorf("%w: %w", ErrRelayFailed, relayErr))
	}
	if len(errs) > 0 {
		res.LeadID = ""
		res.MailtoURL = BuildMailto(s.email, sub)
		return res, errors.Join(errs...)
	}

	s.logger.Info("contact request received", "lead_id", res.LeadID, "source", sub.Source)
	return res, nil
}

func (s *Service) storeLead(ctx context.Context, sub Submission) (string, error) {
	row, err := s.rows.Insert(ctx, LeadsTable, gateway.Row{
		"name":    sub.Name,
		"email":   sub.Email,
		"company": sub.Company,
		"phone":   sub.Phone,
		"message": sub.Message,
		"source":  sub.Source,
	})
	if err != nil {
		return "", err
	}
	return row.String("id"), nil
}

func (s *Service) relay(ctx context.Context, sub Submission) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, RelayTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.relayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxRelayResponse))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay responded %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
