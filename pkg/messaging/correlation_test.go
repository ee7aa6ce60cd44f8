package messaging

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIDIsMonotonic(t *testing.T) {
	tbl := NewTable()
	a := tbl.NextID()
	b := tbl.NextID()
	c := tbl.NextID()
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, uint32(2), b)
	assert.Equal(t, uint32(3), c)
}

func TestNextIDWrapsToOneNotZero(t *testing.T) {
	tbl := NewTable()
	tbl.nextID = math.MaxUint32

	id := tbl.NextID()
	assert.Equal(t, uint32(math.MaxUint32), id)

	next := tbl.NextID()
	assert.Equal(t, uint32(1), next, "wrap must skip zero, which is reserved for no correlation")
}

func TestResolveDeliversToOneShotWaiter(t *testing.T) {
	tbl := NewTable()
	id := tbl.NextID()
	ch := tbl.Await(id)

	reply := &Envelope{ID: id}
	result := tbl.Resolve(id, reply)

	assert.Equal(t, ResolveDelivered, result)
	select {
	case got := <-ch:
		assert.Same(t, reply, got)
	default:
		t.Fatal("expected reply to be delivered to the waiter's channel")
	}
	assert.Equal(t, 0, tbl.Pending())
}

func TestResolveAbsorbsDropToken(t *testing.T) {
	tbl := NewTable()
	id := tbl.NextID()
	tbl.FireAndForget(id)

	result := tbl.Resolve(id, &Envelope{ID: id})

	assert.Equal(t, ResolveAbsorbed, result)
	assert.Equal(t, 0, tbl.Pending())
}

func TestResolveUnsolicitedWhenNoWaiterRegistered(t *testing.T) {
	tbl := NewTable()
	result := tbl.Resolve(12345, &Envelope{ID: 12345})
	assert.Equal(t, ResolveUnsolicited, result)
}

func TestCancelRemovesWaiterWithoutDelivering(t *testing.T) {
	tbl := NewTable()
	id := tbl.NextID()
	tbl.Await(id)
	tbl.Cancel(id)

	result := tbl.Resolve(id, &Envelope{ID: id})
	assert.Equal(t, ResolveUnsolicited, result, "a cancelled waiter must not still be registered")
}

func TestWaitTimeoutReturnsReplyWhenResolvedInTime(t *testing.T) {
	tbl := NewTable()
	id := tbl.NextID()

	go func() {
		time.Sleep(10 * time.Millisecond)
		tbl.Resolve(id, &Envelope{ID: id, Class: "ack"})
	}()

	reply, ok := tbl.WaitTimeout(id, time.Second)
	require.True(t, ok)
	assert.Equal(t, "ack", reply.Class)
}

func TestWaitTimeoutExpiresAndCancelsWaiter(t *testing.T) {
	tbl := NewTable()
	id := tbl.NextID()

	reply, ok := tbl.WaitTimeout(id, 10*time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, reply)
	assert.Equal(t, 0, tbl.Pending())
}
