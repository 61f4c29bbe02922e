package intake

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-intel/internal/config"
	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/pipeline"
)

// fakeReader serves queued messages, then blocks until ctx is cancelled.
type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	fetchErr  error
	cancel    context.CancelFunc
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		if f.fetchErr != nil {
			return kafka.Message{}, f.fetchErr
		}
		f.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	return msg, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Result), args.Error(1)
}

func TestDecode(t *testing.T) {
	msg := kafka.Message{
		Key:     []byte("run-42"),
		Value:   []byte(`{"source":"ted","documents":[{"source":"ted","external_id":"N-1","raw_text":"x"}]}`),
		Headers: []kafka.Header{{Key: "tenant_id", Value: []byte("t1")}},
	}
	req, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, "t1", req.TenantID)
	assert.Equal(t, "run-42", req.RunID)
	require.Len(t, req.Documents, 1)
	assert.Equal(t, "N-1", req.Documents[0].ExternalID)

	explicit, err := Decode(kafka.Message{
		Key:     []byte("ignored"),
		Value:   []byte(`{"run_id":"r1","tenant_id":"t2","source":"ted","documents":[]}`),
		Headers: []kafka.Header{{Key: "tenant_id", Value: []byte("t1")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "t2", explicit.TenantID)
	assert.Equal(t, "r1", explicit.RunID)

	_, err = Decode(kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}

func TestConsumer_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		cancel: cancel,
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte(`{"run_id":"r1","tenant_id":"t1","source":"ted","documents":[{"raw_text":"a"}]}`)},
			{Offset: 2, Value: []byte(`{broken`)},
			{Offset: 3, Value: []byte(`{"run_id":"r3","tenant_id":"t1","source":"ted","documents":[]}`)},
			{Offset: 4, Value: []byte(`{"run_id":"r4","tenant_id":"t1","source":"ted","documents":[{"raw_text":"b"}]}`)},
		},
	}
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.MatchedBy(func(r pipeline.RunRequest) bool { return r.RunID == "r1" })).
		Return(&pipeline.Result{RunID: "r1", TenantID: "t1", Status: model.RunStatusSuccess}, nil).Once()
	runner.On("Run", mock.Anything, mock.MatchedBy(func(r pipeline.RunRequest) bool { return r.RunID == "r3" })).
		Return(nil, &pipeline.RequestError{Problems: []string{"documents must contain at least 1 item(s)"}}).Once()
	runner.On("Run", mock.Anything, mock.MatchedBy(func(r pipeline.RunRequest) bool { return r.RunID == "r4" })).
		Return(&pipeline.Result{RunID: "r4", Status: model.RunStatusFail}, errors.New("stage canonical: schema")).Once()

	c := NewConsumer(reader, runner)
	require.NoError(t, c.Run(ctx))

	runner.AssertExpectations(t)
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.committed)

	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}

func TestConsumer_FetchError(t *testing.T) {
	reader := &fakeReader{fetchErr: errors.New("broker unreachable")}
	err := NewConsumer(reader, &mockRunner{}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker unreachable")
}

func TestNewReader_Validation(t *testing.T) {
	_, err := NewReader(config.KafkaConfig{Topic: "notices", GroupID: "g"})
	assert.Error(t, err)
	_, err = NewReader(config.KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"})
	assert.Error(t, err)
	_, err = NewReader(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "notices"})
	assert.Error(t, err)

	r, err := NewReader(config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "notices", GroupID: "g"})
	require.NoError(t, err)
	assert.Equal(t, "notices", r.Config().Topic)
	require.NoError(t, r.Close())
}

func TestConsumer_InterruptedRunIsNotCommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &fakeReader{
		cancel: cancel,
		msgs: []kafka.Message{
			{Offset: 7, Value: []byte(`{"run_id":"r7","tenant_id":"t1","source":"ted","documents":[{"raw_text":"a"}]}`)},
			{Offset: 8, Value: []byte(`{"run_id":"r8","tenant_id":"t1","source":"ted","documents":[{"raw_text":"b"}]}`)},
		},
	}
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, mock.MatchedBy(func(r pipeline.RunRequest) bool { return r.RunID == "r7" })).
		Run(func(mock.Arguments) { cancel() }).
		Return(&pipeline.Result{RunID: "r7", Status: model.RunStatusFail}, context.Canceled).Once()

	require.NoError(t, NewConsumer(reader, runner).Run(ctx))

	runner.AssertExpectations(t)
	assert.Empty(t, reader.committed)
	assert.Len(t, reader.msgs, 1, "no further messages are fetched after shutdown")
}
