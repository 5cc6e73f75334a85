package rabbitmq

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ml-credit-dispatch/internal/domain"
)

type fakeAcker struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error { f.acked = true; return nil }
func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}
func (f *fakeAcker) Reject(tag uint64, requeue bool) error { return nil }

type fakeSettler struct {
	err  error
	got  []domain.ResultEnvelope
	done bool
}

func (f *fakeSettler) Settle(ctx context.Context, result domain.ResultEnvelope) error {
	f.got = append(f.got, result)
	f.done = true
	return f.err
}

func newDelivery(acker *fakeAcker, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: acker, Body: []byte(body), DeliveryTag: 1}
}

func TestConsumerHandle_SettlesAndAcks(t *testing.T) {
	settler := &fakeSettler{}
	c := NewResultsConsumer(Config{}, settler)
	acker := &fakeAcker{}

	c.handle(context.Background(), newDelivery(acker,
		`{"task_id":"42","prediction":{"score":0.93},"status":"success","worker_id":"w-1"}`))

	require.True(t, settler.done)
	require.Len(t, settler.got, 1)
	assert.Equal(t, "42", settler.got[0].TaskID)
	assert.Equal(t, domain.ResultSuccess, settler.got[0].Status)
	assert.True(t, acker.acked)
	assert.False(t, acker.nacked)
}

func TestConsumerHandle_MalformedJSONDropped(t *testing.T) {
	settler := &fakeSettler{}
	c := NewResultsConsumer(Config{}, settler)
	acker := &fakeAcker{}

	c.handle(context.Background(), newDelivery(acker, `{not json`))

	assert.False(t, settler.done, "settler must not run for garbage payloads")
	assert.True(t, acker.acked, "poison messages are dropped, not requeued")
}

func TestConsumerHandle_NonNumericTaskIDDropped(t *testing.T) {
	settler := &fakeSettler{}
	c := NewResultsConsumer(Config{}, settler)
	acker := &fakeAcker{}

	c.handle(context.Background(), newDelivery(acker,
		`{"task_id":"abc","status":"success"}`))

	assert.False(t, settler.done)
	assert.True(t, acker.acked)
}

func TestConsumerHandle_AlreadySettledAcked(t *testing.T) {
	settler := &fakeSettler{err: domain.ErrAlreadySettled}
	c := NewResultsConsumer(Config{}, settler)
	acker := &fakeAcker{}

	c.handle(context.Background(), newDelivery(acker,
		`{"task_id":"42","status":"success"}`))

	assert.True(t, acker.acked)
	assert.False(t, acker.nacked)
}

func TestConsumerHandle_UnknownJobDropped(t *testing.T) {
	settler := &fakeSettler{err: domain.ErrNotFound}
	c := NewResultsConsumer(Config{}, settler)
	acker := &fakeAcker{}

	c.handle(context.Background(), newDelivery(acker,
		`{"task_id":"9000","status":"success"}`))

	assert.True(t, acker.acked)
	assert.False(t, acker.nacked)
}

func TestConsumerHandle_TransientErrorRequeued(t *testing.T) {
	settler := &fakeSettler{err: domain.ErrStorage}
	c := NewResultsConsumer(Config{}, settler)
	acker := &fakeAcker{}

	c.handle(context.Background(), newDelivery(acker,
		`{"task_id":"42","status":"fail","error":"worker exploded"}`))

	assert.False(t, acker.acked)
	assert.True(t, acker.nacked)
	assert.True(t, acker.requeue, "transient settlement failures must be retried")
}
