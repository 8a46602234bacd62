// Package verify checks that a verification token is visible on a public
// profile page.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"porthub/internal/config"
)

var ErrCircuitOpen = errors.New("verification probe circuit open")

// maxPageBytes caps how much of a profile page is scanned.
const maxPageBytes = 2 << 20

// Probe fetches profile pages with a bounded timeout. Repeated failures open a
// circuit for a while so an unreachable site is not hit on every check.
type Probe struct {
	cfg    config.VerificationConfig
	client *http.Client
	logger *slog.Logger

	failures  int32
	openUntil int64 // unix nano
}

func NewProbe(cfg config.VerificationConfig, client *http.Client, logger *slog.Logger) *Probe {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 12 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "PortHubBot/1.0"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{cfg: cfg, client: client, logger: logger}
}

// CheckToken reports whether token appears, case-insensitively, on the
// profile page of handle. Every failure is logged and reported as false.
func (p *Probe) CheckToken(ctx context.Context, handle, token string) bool {
	ok, err := p.check(ctx, handle, token)
	if err != nil {
		p.logger.Warn("verify: token check failed", slog.String("handle", handle), slog.Any("err", err))
		return false
	}
	return ok
}

func (p *Probe) check(ctx context.Context, handle, token string) (bool, error) {
	handle = strings.TrimSpace(handle)
	token = strings.TrimSpace(token)
	if handle == "" || token == "" {
		return false, errors.New("handle and token are required")
	}
	if p.isCircuitOpen() {
		return false, ErrCircuitOpen
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	target := fmt.Sprintf(p.cfg.ProfileURL, url.PathEscape(handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		p.recordFailure()
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			p.recordFailure()
		}
		return false, fmt.Errorf("profile page returned status %d", resp.StatusCode)
	}
	page, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		p.recordFailure()
		return false, err
	}
	atomic.StoreInt32(&p.failures, 0)
	return strings.Contains(strings.ToLower(string(page)), strings.ToLower(token)), nil
}

func (p *Probe) isCircuitOpen() bool {
	if p.cfg.CircuitThreshold <= 0 {
		return false
	}
	if atomic.LoadInt32(&p.failures) < int32(p.cfg.CircuitThreshold) {
		return false
	}
	if time.Now().UnixNano() < atomic.LoadInt64(&p.openUntil) {
		return true
	}
	// half-open: let the next request through
	atomic.StoreInt32(&p.failures, 0)
	return false
}

func (p *Probe) recordFailure() {
	if p.cfg.CircuitThreshold <= 0 {
		return
	}
	v := atomic.AddInt32(&p.failures, 1)
	if v >= int32(p.cfg.CircuitThreshold) {
		atomic.StoreInt64(&p.openUntil, time.Now().Add(p.cfg.CircuitReset).UnixNano())
	}
}
