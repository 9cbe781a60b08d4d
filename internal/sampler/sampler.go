// Package sampler collects metric group samples from connected nodes.
//
// A sample run fans out over the fixed metric group catalogue in
// parallel, each group under its own deadline and the whole run under a
// total budget. A run that lands at least one group is a success; the
// groups that failed are recorded on the sample so downstream consumers
// can tell partial data from complete data.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/casscope/casscope/internal/metric"
	"github.com/casscope/casscope/internal/mgmt"
)

const (
	// DefaultGroupTimeout bounds a single metric group read.
	DefaultGroupTimeout = 2 * time.Second

	// DefaultTotalTimeout bounds a whole sample run.
	DefaultTotalTimeout = 8 * time.Second
)

// ErrNoData means a sample run completed without landing a single
// metric group.
var ErrNoData = errors.New("no metric groups collected")

// TimeoutError reports a sample run that produced nothing because every
// group ran out of budget.
type TimeoutError struct {
	Host    string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %s: sample timed out after %s", e.Host, e.Elapsed)
}

// Borrower grants scoped access to a node's management connection. It is
// satisfied by the connection manager; sampling never opens connections
// itself.
type Borrower interface {
	Use(ctx context.Context, host string, fn func(ctx context.Context, client mgmt.Client) error) error
}

// Config holds configuration for creating a new Sampler.
type Config struct {
	GroupTimeout time.Duration // Per-group read deadline (default: 2s)
	TotalTimeout time.Duration // Whole-run deadline (default: 8s)
	Logger       *slog.Logger
}

// Sampler reads the metric group catalogue from nodes over borrowed
// connections.
type Sampler struct {
	borrow       Borrower
	groupTimeout time.Duration
	totalTimeout time.Duration
	logger       *slog.Logger

	now func() time.Time
}

// New creates a new Sampler.
func New(borrow Borrower, cfg Config) *Sampler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	groupTimeout := cfg.GroupTimeout
	if groupTimeout <= 0 {
		groupTimeout = DefaultGroupTimeout
	}
	totalTimeout := cfg.TotalTimeout
	if totalTimeout <= 0 {
		totalTimeout = DefaultTotalTimeout
	}

	return &Sampler{
		borrow:       borrow,
		groupTimeout: groupTimeout,
		totalTimeout: totalTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// result carries one group read back to the collector.
type result struct {
	group  metric.Group
	data   metric.GroupData
	kind   metric.FailureKind
	reason string
	err    error
}

// Sample collects every metric group from the host over its borrowed
// connection. Groups are read in parallel; each read has its own
// deadline and the run as a whole has a total budget. A sample holding
// at least one group is returned with a nil error even when other
// groups failed. With no groups at all, the error is a *TimeoutError
// when every group timed out, and wraps ErrNoData otherwise.
func (s *Sampler) Sample(ctx context.Context, host string) (*metric.Sample, error) {
	start := s.now()
	sample := &metric.Sample{Host: host, CapturedAt: start}

	var firstConnErr *mgmt.ConnectionError
	var firstErr error

	useErr := s.borrow.Use(ctx, host, func(ctx context.Context, client mgmt.Client) error {
		tctx, cancel := context.WithTimeout(ctx, s.totalTimeout)
		defer cancel()

		groups := metric.Groups()
		results := make(chan result, len(groups))
		for _, g := range groups {
			go func(g metric.Group) {
				results <- s.readGroup(tctx, client, g)
			}(g)
		}

		for range groups {
			r := <-results
			if r.err == nil {
				sample.Attach(r.data)
				continue
			}
			sample.AddFailure(r.group, r.kind, r.reason)
			if firstErr == nil {
				firstErr = r.err
			}
			var connErr *mgmt.ConnectionError
			if firstConnErr == nil && errors.As(r.err, &connErr) {
				firstConnErr = connErr
			}
		}

		// Surface transport failures to the connection manager so it can
		// drop the link; partial data already collected stays on the
		// sample either way.
		if firstConnErr != nil {
			return firstConnErr
		}
		return nil
	})

	elapsed := s.now().Sub(start)
	sort.Slice(sample.Failures, func(i, j int) bool {
		return sample.Failures[i].Group < sample.Failures[j].Group
	})

	if sample.HasData() {
		s.logger.Debug("node_sampled",
			"host", host,
			"failed_groups", len(sample.Failures),
			"elapsed", elapsed.String(),
		)
		return sample, nil
	}

	if useErr != nil && firstErr == nil {
		// The borrow itself failed; no group was ever attempted.
		return nil, useErr
	}

	if allTimeouts(sample.Failures) {
		return nil, &TimeoutError{Host: host, Elapsed: elapsed}
	}
	return nil, fmt.Errorf("node %s: %w: %w", host, ErrNoData, firstErr)
}

// readGroup reads a single group under its own deadline and classifies
// any failure.
func (s *Sampler) readGroup(tctx context.Context, client mgmt.Client, g metric.Group) result {
	gctx, cancel := context.WithTimeout(tctx, s.groupTimeout)
	defer cancel()

	data, err := client.ReadGroup(gctx, g)
	if err == nil {
		return result{group: g, data: data}
	}

	r := result{group: g, err: err}
	if gctx.Err() != nil {
		// Our budget elapsed; the error shape underneath does not matter.
		r.kind = metric.FailureTimeout
		switch {
		case tctx.Err() == context.DeadlineExceeded:
			r.reason = "sample deadline exceeded"
		case tctx.Err() != nil:
			r.reason = "sampling canceled"
		default:
			r.reason = "group deadline exceeded"
		}
		return r
	}

	r.kind, r.reason = classify(err)
	return r
}

// classify maps a read error to a failure kind and reason.
func classify(err error) (metric.FailureKind, string) {
	var protoErr *mgmt.ProtocolError
	if errors.As(err, &protoErr) {
		return metric.FailureProtocol, protoErr.Reason
	}
	var connErr *mgmt.ConnectionError
	if errors.As(err, &connErr) {
		return metric.FailureConnection, connErr.Err.Error()
	}
	return metric.FailureConnection, err.Error()
}

func allTimeouts(failures []metric.GroupFailure) bool {
	if len(failures) == 0 {
		return false
	}
	for _, f := range failures {
		if f.Kind != metric.FailureTimeout {
			return false
		}
	}
	return true
}
