// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	internallog "github.com/tombee/auditflow/internal/log"
	"github.com/tombee/auditflow/internal/tracing"
	auditerrors "github.com/tombee/auditflow/pkg/errors"
	"github.com/tombee/auditflow/pkg/observability"
)

// PutLogEvents limits.
const (
	maxBatchEvents   = 10000
	maxBatchBytes    = 1_048_576
	perEventOverhead = 26
)

// LogsAPI is the subset of the CloudWatch Logs client used by the sink.
type LogsAPI interface {
	CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, in *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// LoadAWSConfig resolves the default AWS credential chain, pinned to region
// when it is set.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return awsCfg, nil
}

// NewCloudWatchClient creates a CloudWatch Logs client for region.
func NewCloudWatchClient(ctx context.Context, region string) (*cloudwatchlogs.Client, error) {
	awsCfg, err := LoadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return cloudwatchlogs.NewFromConfig(awsCfg), nil
}

// CloudWatchSink batches events into PutLogEvents calls on a daily log
// stream named YYYY/MM/DD. A batch is sent when it reaches BatchSize, when
// FlushInterval elapses, and on Close. Throttling and transient failures are
// retried with exponential backoff; calls are rate limited client side.
type CloudWatchSink struct {
	cfg     tracing.CloudWatchConfig
	client  LogsAPI
	limiter *rate.Limiter
	now     func() time.Time
	backoff func() backoff.BackOff
	logger  *slog.Logger

	mu         sync.Mutex
	batch      []types.InputLogEvent
	batchBytes int

	// sendMu serializes PutLogEvents and guards streams.
	sendMu  sync.Mutex
	streams map[string]bool

	lifecycle sync.Mutex
	started   bool
	closed    bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// CloudWatchOption configures a CloudWatchSink.
type CloudWatchOption func(*CloudWatchSink)

// WithCloudWatchClock overrides the clock used for stream names.
func WithCloudWatchClock(now func() time.Time) CloudWatchOption {
	return func(s *CloudWatchSink) { s.now = now }
}

// WithBackOff overrides the retry schedule.
func WithBackOff(fn func() backoff.BackOff) CloudWatchOption {
	return func(s *CloudWatchSink) { s.backoff = fn }
}

// WithCloudWatchLogger sets the logger for retry and flush warnings.
func WithCloudWatchLogger(logger *slog.Logger) CloudWatchOption {
	return func(s *CloudWatchSink) { s.logger = logger }
}

// NewCloudWatchSink creates a sink sending through client.
func NewCloudWatchSink(client LogsAPI, cfg tracing.CloudWatchConfig, opts ...CloudWatchOption) *CloudWatchSink {
	defaults := tracing.DefaultConfig().CloudWatch
	if cfg.LogGroup == "" {
		cfg.LogGroup = defaults.LogGroup
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > maxBatchEvents {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	s := &CloudWatchSink{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		logger:  slog.Default(),
		streams: make(map[string]bool),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = internallog.WithComponent(s.logger, "cloudwatch_sink")
	return s
}

// Name implements observability.Sink.
func (s *CloudWatchSink) Name() string { return tracing.SinkCloudWatch }

// Start ensures the log group exists and starts the interval flusher.
func (s *CloudWatchSink) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.started {
		return nil
	}

	if err := s.ensureLogGroup(ctx); err != nil {
		return err
	}

	s.started = true
	go s.run()
	return nil
}

func (s *CloudWatchSink) ensureLogGroup(ctx context.Context) error {
	_, err := s.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(s.cfg.LogGroup),
	})
	var exists *types.ResourceAlreadyExistsException
	switch {
	case errors.As(err, &exists):
		return nil
	case err != nil:
		return fmt.Errorf("creating log group %s: %w", s.cfg.LogGroup, err)
	}

	if s.cfg.RetentionDays > 0 {
		_, err = s.client.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(s.cfg.LogGroup),
			RetentionInDays: aws.Int32(s.cfg.RetentionDays),
		})
		if err != nil {
			return fmt.Errorf("setting retention on %s: %w", s.cfg.LogGroup, err)
		}
	}
	return nil
}

func (s *CloudWatchSink) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushInterval*4)
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("interval flush failed", internallog.Error(err))
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// Export adds e to the pending batch, sending it when full.
func (s *CloudWatchSink) Export(ctx context.Context, e observability.Event) error {
	msg, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.EventID, err)
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	s.mu.Lock()
	if s.batchBytes+len(msg)+perEventOverhead > maxBatchBytes {
		s.mu.Unlock()
		if err := s.Flush(ctx); err != nil {
			return err
		}
		s.mu.Lock()
	}
	s.batch = append(s.batch, types.InputLogEvent{
		Message:   aws.String(string(msg)),
		Timestamp: aws.Int64(ts.UnixMilli()),
	})
	s.batchBytes += len(msg) + perEventOverhead
	full := len(s.batch) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Pending returns the number of buffered events.
func (s *CloudWatchSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batch)
}

// Flush sends the pending batch.
func (s *CloudWatchSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.batch
	s.batch = nil
	s.batchBytes = 0
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	// PutLogEvents requires chronological order within a call.
	sort.SliceStable(batch, func(i, j int) bool {
		return *batch[i].Timestamp < *batch[j].Timestamp
	})

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.put(ctx, StreamName(s.now()), batch)
}

func (s *CloudWatchSink) put(ctx context.Context, stream string, batch []types.InputLogEvent) error {
	if err := s.ensureStreamLocked(ctx, stream); err != nil {
		return err
	}

	op := func() (struct{}, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		_, err := s.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
			LogGroupName:  aws.String(s.cfg.LogGroup),
			LogStreamName: aws.String(stream),
			LogEvents:     batch,
		})
		if err == nil {
			return struct{}{}, nil
		}

		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			// The stream was deleted underneath us.
			delete(s.streams, stream)
			if serr := s.ensureStreamLocked(ctx, stream); serr != nil {
				return struct{}{}, backoff.Permanent(serr)
			}
			return struct{}{}, err
		}
		if !retryableAWSError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(s.backoff()),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("retrying PutLogEvents",
				slog.String("stream", stream),
				slog.Duration("backoff", next),
				internallog.Error(err))
		}),
	)
	if err != nil {
		return &auditerrors.SinkError{
			Sink:      tracing.SinkCloudWatch,
			Retryable: retryableAWSError(err),
			Cause:     fmt.Errorf("put %d events to %s/%s: %w", len(batch), s.cfg.LogGroup, stream, err),
		}
	}
	return nil
}

func (s *CloudWatchSink) ensureStreamLocked(ctx context.Context, stream string) error {
	if s.streams[stream] {
		return nil
	}
	_, err := s.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(s.cfg.LogGroup),
		LogStreamName: aws.String(stream),
	})
	var exists *types.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("creating log stream %s: %w", stream, err)
	}
	s.streams[stream] = true
	return nil
}

// Close stops the interval flusher and sends what is left.
func (s *CloudWatchSink) Close(ctx context.Context) error {
	s.lifecycle.Lock()
	if s.closed {
		s.lifecycle.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.lifecycle.Unlock()

	if started {
		close(s.stopCh)
		<-s.doneCh
	}
	return s.Flush(ctx)
}

// StreamName returns the daily log stream for t, "YYYY/MM/DD" in UTC.
func StreamName(t time.Time) string {
	return t.UTC().Format("2006/01/02")
}

// retryableAWSError treats throttling, service-side faults and transport
// errors as transient.
func retryableAWSError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "ServiceUnavailableException", "RequestLimitExceeded",
		"TooManyRequestsException", "InternalFailure", "ResourceNotFoundException":
		return true
	}
	return apiErr.ErrorFault() == smithy.FaultServer
}
