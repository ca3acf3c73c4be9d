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
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/auditflow/internal/tracing"
	auditerrors "github.com/tombee/auditflow/pkg/errors"
	"github.com/tombee/auditflow/pkg/observability"
)

type fakeLogs struct {
	mu sync.Mutex

	groupExists bool
	groups      []string
	retention   []int32
	streams     []string
	puts        []*cloudwatchlogs.PutLogEventsInput

	// putErrs are returned, in order, by the first PutLogEvents calls.
	putErrs []error
}

func (f *fakeLogs) CreateLogGroup(_ context.Context, in *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groupExists {
		return nil, &types.ResourceAlreadyExistsException{Message: aws.String("exists")}
	}
	f.groups = append(f.groups, aws.ToString(in.LogGroupName))
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (f *fakeLogs) PutRetentionPolicy(_ context.Context, in *cloudwatchlogs.PutRetentionPolicyInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retention = append(f.retention, aws.ToInt32(in.RetentionInDays))
	return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
}

func (f *fakeLogs) CreateLogStream(_ context.Context, in *cloudwatchlogs.CreateLogStreamInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, aws.ToString(in.LogStreamName))
	return &cloudwatchlogs.CreateLogStreamOutput{}, nil
}

func (f *fakeLogs) PutLogEvents(_ context.Context, in *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		return nil, err
	}
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

func (f *fakeLogs) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

func testCloudWatchSink(client LogsAPI, batchSize int) *CloudWatchSink {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
	return NewCloudWatchSink(client, tracing.CloudWatchConfig{
		LogGroup:      "/auditflow/test",
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    3,
		RetentionDays: 90,
	},
		WithCloudWatchClock(clock.Now),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
}

func cwEvent(id string, ts time.Time) observability.Event {
	return observability.Event{EventID: id, Timestamp: ts, Type: observability.EventAPICall, Status: observability.StatusOK}
}

func TestCloudWatchSink_StartCreatesGroup(t *testing.T) {
	client := &fakeLogs{}
	sink := testCloudWatchSink(client, 10)
	ctx := context.Background()

	require.NoError(t, sink.Start(ctx))
	require.NoError(t, sink.Start(ctx))
	assert.Equal(t, []string{"/auditflow/test"}, client.groups)
	assert.Equal(t, []int32{90}, client.retention)
	require.NoError(t, sink.Close(ctx))

	existing := &fakeLogs{groupExists: true}
	sink = testCloudWatchSink(existing, 10)
	require.NoError(t, sink.Start(ctx))
	assert.Empty(t, existing.retention, "retention is only applied to groups the sink created")
	require.NoError(t, sink.Close(ctx))
}

func TestCloudWatchSink_Batches(t *testing.T) {
	client := &fakeLogs{}
	sink := testCloudWatchSink(client, 3)
	ctx := context.Background()
	require.NoError(t, sink.Start(ctx))

	base := time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		require.NoError(t, sink.Export(ctx, cwEvent(string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))))
	}
	assert.Equal(t, 2, client.putCount())
	assert.Equal(t, 1, sink.Pending())

	require.NoError(t, sink.Close(ctx))
	require.NoError(t, sink.Close(ctx))
	require.Equal(t, 3, client.putCount())

	assert.Equal(t, []string{"2025/03/01"}, client.streams, "stream created once")
	for _, put := range client.puts {
		assert.Equal(t, "/auditflow/test", aws.ToString(put.LogGroupName))
		assert.Equal(t, "2025/03/01", aws.ToString(put.LogStreamName))
	}

	var first observability.Event
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(client.puts[0].LogEvents[0].Message)), &first))
	assert.Equal(t, "a", first.EventID)
	assert.Equal(t, base.UnixMilli(), aws.ToInt64(client.puts[0].LogEvents[0].Timestamp))
}

func TestCloudWatchSink_SortsBatchChronologically(t *testing.T) {
	client := &fakeLogs{}
	sink := testCloudWatchSink(client, 10)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Export(ctx, cwEvent("late", base.Add(time.Minute))))
	require.NoError(t, sink.Export(ctx, cwEvent("early", base)))
	require.NoError(t, sink.Flush(ctx))

	require.Equal(t, 1, client.putCount())
	events := client.puts[0].LogEvents
	assert.Less(t, aws.ToInt64(events[0].Timestamp), aws.ToInt64(events[1].Timestamp))
}

func TestCloudWatchSink_RetriesThrottling(t *testing.T) {
	throttled := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"}
	client := &fakeLogs{putErrs: []error{throttled, throttled}}
	sink := testCloudWatchSink(client, 1)
	ctx := context.Background()

	require.NoError(t, sink.Export(ctx, cwEvent("a", time.Now())))
	assert.Equal(t, 3, client.putCount())
}

func TestCloudWatchSink_GivesUp(t *testing.T) {
	throttled := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"}
	client := &fakeLogs{putErrs: []error{throttled, throttled, throttled, throttled, throttled}}
	sink := testCloudWatchSink(client, 1)

	err := sink.Export(context.Background(), cwEvent("a", time.Now()))
	require.Error(t, err)
	assert.Equal(t, 4, client.putCount(), "one attempt plus MaxRetries")

	var sinkErr *auditerrors.SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.True(t, sinkErr.Retryable)
}

func TestCloudWatchSink_PermanentError(t *testing.T) {
	invalid := &smithy.GenericAPIError{Code: "InvalidParameterException", Message: "bad", Fault: smithy.FaultClient}
	client := &fakeLogs{putErrs: []error{invalid}}
	sink := testCloudWatchSink(client, 1)

	err := sink.Export(context.Background(), cwEvent("a", time.Now()))
	require.Error(t, err)
	assert.Equal(t, 1, client.putCount())
	assert.ErrorContains(t, err, "InvalidParameterException")
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "2025/12/31", StreamName(time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)))
}
